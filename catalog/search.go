package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/toolwire/toolwire/protocol"
)

// Search filters the indexed tools and shapes each hit at the requested
// detail level. The reported token savings compare the response's
// serialized size against the full-detail baseline over the same result
// set, so low detail levels quantify what they saved the caller.
//
// An empty detail level defaults to basic. Tools whose descriptors fail to
// load are dropped from the result set with a logged warning so that every
// detail level describes the same set.
func (c *Catalog) Search(ctx context.Context, req protocol.SearchRequest) (*protocol.SearchResult, error) {
	level := req.DetailLevel
	if level == "" {
		level = protocol.DetailBasic
	}
	if !protocol.ValidDetailLevel(level) {
		return nil, protocol.Errorf(protocol.CodeValidationFailed, "unknown detail level %q", req.DetailLevel)
	}

	hits := c.filter(req)
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	summaries := make([]protocol.ToolSummary, 0, len(hits))
	baseline := make([]protocol.ToolSummary, 0, len(hits))
	for _, name := range hits {
		ct, err := c.load(ctx, name)
		if err != nil {
			c.log.Warn("catalog.search.load_failed",
				slog.String("tool", name),
				slog.String("err", err.Error()))
			continue
		}
		summaries = append(summaries, toolSummary(ct.desc, level))
		baseline = append(baseline, toolSummary(ct.desc, protocol.DetailFull))
	}

	savings, err := tokenSavings(baseline, summaries)
	if err != nil {
		return nil, err
	}
	c.log.Debug("catalog.search.ok",
		slog.String("detail_level", string(level)),
		slog.Int("hits", len(summaries)),
		slog.Int("actual_bytes", savings.ActualBytes))
	return &protocol.SearchResult{
		Tools:        summaries,
		DetailLevel:  level,
		TokenSavings: savings,
	}, nil
}

// filter returns the names of indexed tools matching the request, in
// lexical order.
func (c *Catalog) filter(req protocol.SearchRequest) []string {
	query := strings.ToLower(req.Query)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var hits []string
	for _, name := range c.names {
		m := c.index[name]
		if req.Category != "" && m.Category != req.Category {
			continue
		}
		if !hasAllTags(m.Tags, req.Tags) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(m.Name), query) &&
			!strings.Contains(strings.ToLower(m.Summary), query) {
			continue
		}
		hits = append(hits, name)
	}
	return hits
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func toolSummary(desc *Descriptor, level protocol.DetailLevel) protocol.ToolSummary {
	s := protocol.ToolSummary{Name: desc.Name}
	if level == protocol.DetailNamesOnly {
		return s
	}
	s.Description = desc.Summary
	s.Category = desc.Category
	s.Tags = desc.Tags
	if level == protocol.DetailFull {
		s.InputSchema = desc.InputSchema
		s.OutputSchema = desc.OutputSchema
	}
	return s
}

func tokenSavings(baseline, actual []protocol.ToolSummary) (protocol.TokenSavings, error) {
	baseRaw, err := json.Marshal(baseline)
	if err != nil {
		return protocol.TokenSavings{}, err
	}
	actualRaw, err := json.Marshal(actual)
	if err != nil {
		return protocol.TokenSavings{}, err
	}
	ts := protocol.TokenSavings{
		BaselineBytes: len(baseRaw),
		ActualBytes:   len(actualRaw),
	}
	if ts.BaselineBytes > 0 {
		pct := 100 * float64(ts.BaselineBytes-ts.ActualBytes) / float64(ts.BaselineBytes)
		ts.ReductionPercent = math.Round(pct*100) / 100
	}
	return ts, nil
}
