// Package extraction derives the deterministic part of a memory's graph
// footprint: its nodes, links, and structural edges. Extraction is pure, no
// storage or network access, so identical input always produces an identical
// mutation and the function is safe to call on every memory write.
package extraction

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/engramdb/engram/pkg/store"
)

// maxLabelLen bounds the self-node label taken from memory content.
const maxLabelLen = 120

// Extract builds the structural mutation for a memory snapshot.
//
// Every memory contributes a self-node and a memory_type node. Scope IDs add
// repo and user nodes, the category adds a category node, and each
// de-duplicated lower-cased tag adds a topic node. Structural edges connect
// the scope nodes to the type, category, and topic nodes. Working-layer
// memories stamp their expiry on every edge so the graph forgets alongside
// the memory itself.
func Extract(mem store.MemorySnapshot) store.Mutation {
	mut := store.Mutation{
		MemoryID:     mem.ID,
		ReplaceLinks: true,
		Classes:      []store.EdgeClass{store.ClassStructural},
	}

	var expires *time.Time
	if mem.Layer == store.LayerWorking && mem.ExpiresAt != nil {
		expires = mem.ExpiresAt
	}

	selfRef := store.NodeRef{Type: store.NodeMemory, Key: mem.ID}
	addNode(&mut, selfRef, truncateLabel(mem.Content), store.RoleSelf)

	var typeRef, repoRef, userRef, categoryRef store.NodeRef
	if mem.Type != "" {
		typeRef = store.NodeRef{Type: store.NodeMemoryType, Key: mem.Type}
		addNode(&mut, typeRef, mem.Type, store.RoleType)
	}
	if mem.ProjectID != "" {
		repoRef = store.NodeRef{Type: store.NodeRepo, Key: mem.ProjectID}
		addNode(&mut, repoRef, mem.ProjectID, store.RoleScope)
	}
	if mem.UserID != "" {
		userRef = store.NodeRef{Type: store.NodeUser, Key: mem.UserID}
		addNode(&mut, userRef, mem.UserID, store.RoleSubject)
	}
	if mem.Category != "" {
		categoryRef = store.NodeRef{Type: store.NodeCategory, Key: mem.Category}
		addNode(&mut, categoryRef, mem.Category, store.RoleCategory)
	}

	topics := make([]store.NodeRef, 0, len(mem.Tags))
	seen := make(map[string]bool, len(mem.Tags))
	for _, tag := range mem.Tags {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ref := store.NodeRef{Type: store.NodeTopic, Key: key}
		addNode(&mut, ref, key, store.RoleTag)
		topics = append(topics, ref)
	}

	edge := func(t store.EdgeType, from, to store.NodeRef) {
		mut.Edges = append(mut.Edges, store.CandidateEdge{
			Type:             t,
			From:             from,
			To:               to,
			Weight:           1.0,
			Confidence:       1.0,
			EvidenceMemoryID: mem.ID,
			ExpiresAt:        expires,
		})
	}

	hasRepo := repoRef.Key != ""
	hasUser := userRef.Key != ""
	hasCategory := categoryRef.Key != ""

	if hasRepo && hasUser {
		edge(store.EdgeAuthoredBy, repoRef, userRef)
	}
	if hasRepo && typeRef.Key != "" {
		edge(store.EdgeContainsType, repoRef, typeRef)
	}
	if hasCategory {
		if hasRepo {
			edge(store.EdgeAbout, repoRef, categoryRef)
		}
		if hasUser {
			edge(store.EdgeAbout, userRef, categoryRef)
		}
	}
	for _, topic := range topics {
		if hasRepo {
			edge(store.EdgeAbout, repoRef, topic)
		}
		if hasUser {
			edge(store.EdgeMentions, userRef, topic)
		}
		if hasCategory {
			edge(store.EdgeRelatedTo, categoryRef, topic)
		}
	}

	return mut
}

func addNode(mut *store.Mutation, ref store.NodeRef, label string, role store.LinkRole) {
	mut.Nodes = append(mut.Nodes, store.CandidateNode{Ref: ref, Label: label})
	mut.Links = append(mut.Links, store.CandidateLink{Node: ref, Role: role})
}

// truncateLabel shortens content to the label budget on a rune boundary,
// appending an ellipsis when anything was cut.
func truncateLabel(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= maxLabelLen {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:maxLabelLen-1])) + "…"
}
