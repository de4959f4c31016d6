package aggregate

import (
	"context"
	"sort"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// Node types of the service map.
const (
	NodeTypeClient    = "Client"
	NodeTypeServer    = "Server"
	NodeTypeExternal  = "External"
	NodeTypeDatabase  = "Database"
	NodeTypeMessaging = "Messaging"
	NodeTypeIsolated  = "Isolated"
)

// MapNode is one service (or backing system) in the map.
type MapNode struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	SpanCount int    `json:"span_count"`
}

// MapEdge is one observed call relationship.
type MapEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Count  int     `json:"count"`
	P95Ms  float64 `json:"p95_ms"`
}

// ServiceMap is the full dependency view.
type ServiceMap struct {
	Nodes []MapNode `json:"nodes"`
	Edges []MapEdge `json:"edges"`
}

// ServiceMap derives the dependency graph from recent spans. An edge A→B
// exists when a span in service B has its parent span in service A. Spans
// calling a database or messaging system add a leaf node for that system.
func (e *Engine) ServiceMap(ctx context.Context, limit int) (*ServiceMap, error) {
	if limit <= 0 || limit > spanScanLimit {
		limit = spanScanLimit
	}
	m, err := e.serviceMapCache.get(e.now(), func() (*ServiceMap, error) {
		return e.buildServiceMap(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(m.Edges) > limit {
		trimmed := *m
		trimmed.Edges = m.Edges[:limit]
		return &trimmed, nil
	}
	return m, nil
}

type edgeAccum struct {
	count       int
	durationsMs []float64
}

func (e *Engine) buildServiceMap(ctx context.Context) (*ServiceMap, error) {
	spans, err := e.store.RecentSpans(ctx, "", spanScanLimit)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Span, len(spans))
	spanCounts := make(map[string]int)
	for _, sp := range spans {
		if sp.ServiceName == e.selfService {
			continue
		}
		byID[sp.SpanID] = sp
		spanCounts[sp.ServiceName]++
	}

	edges := make(map[[2]string]*edgeAccum)
	leafTypes := make(map[string]string)
	addEdge := func(source, target string, durationMs float64) {
		key := [2]string{source, target}
		acc := edges[key]
		if acc == nil {
			acc = &edgeAccum{}
			edges[key] = acc
		}
		acc.count++
		acc.durationsMs = append(acc.durationsMs, durationMs)
	}

	for _, sp := range byID {
		durationMs := float64(sp.DurationNs()) / 1e6

		if sp.ParentSpanID != "" {
			if parent, ok := byID[sp.ParentSpanID]; ok && parent.ServiceName != sp.ServiceName {
				addEdge(parent.ServiceName, sp.ServiceName, durationMs)
			}
		}

		// Client spans against databases and brokers become leaf nodes; the
		// remote side emits no telemetry of its own.
		if system := sp.Attributes.GetString("db.system"); system != "" {
			name := firstNonEmpty(sp.Attributes.GetString("db.name"), system)
			leafTypes[name] = NodeTypeDatabase
			addEdge(sp.ServiceName, name, durationMs)
		} else if system := sp.Attributes.GetString("messaging.system"); system != "" {
			name := firstNonEmpty(
				sp.Attributes.GetString("messaging.destination.name"),
				sp.Attributes.GetString("messaging.destination"),
				system,
			)
			leafTypes[name] = NodeTypeMessaging
			addEdge(sp.ServiceName, name, durationMs)
		}
	}

	incoming := make(map[string]int)
	outgoing := make(map[string]int)
	nodeNames := make(map[string]struct{})
	for service := range spanCounts {
		nodeNames[service] = struct{}{}
	}
	for key, acc := range edges {
		nodeNames[key[0]] = struct{}{}
		nodeNames[key[1]] = struct{}{}
		outgoing[key[0]] += acc.count
		incoming[key[1]] += acc.count
	}

	m := &ServiceMap{}
	for name := range nodeNames {
		m.Nodes = append(m.Nodes, MapNode{
			Name:      name,
			Type:      nodeType(name, incoming[name] > 0, outgoing[name] > 0, leafTypes),
			SpanCount: spanCounts[name],
		})
	}
	sort.Slice(m.Nodes, func(i, j int) bool { return m.Nodes[i].Name < m.Nodes[j].Name })

	for key, acc := range edges {
		sort.Float64s(acc.durationsMs)
		m.Edges = append(m.Edges, MapEdge{
			Source: key[0],
			Target: key[1],
			Count:  acc.count,
			P95Ms:  samplePercentile(acc.durationsMs, 0.95),
		})
	}
	sort.Slice(m.Edges, func(i, j int) bool {
		if m.Edges[i].Count != m.Edges[j].Count {
			return m.Edges[i].Count > m.Edges[j].Count
		}
		if m.Edges[i].Source != m.Edges[j].Source {
			return m.Edges[i].Source < m.Edges[j].Source
		}
		return m.Edges[i].Target < m.Edges[j].Target
	})
	return m, nil
}

func nodeType(name string, hasIncoming, hasOutgoing bool, leafTypes map[string]string) string {
	if t, ok := leafTypes[name]; ok {
		return t
	}
	switch {
	case hasIncoming && hasOutgoing:
		return NodeTypeServer
	case hasOutgoing:
		return NodeTypeClient
	case hasIncoming:
		return NodeTypeExternal
	default:
		return NodeTypeIsolated
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
