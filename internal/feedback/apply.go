// Package feedback records reviewer feedback and merges accepted text
// changes into document content.
package feedback

import (
	"fmt"
	"strings"

	"github.com/pitabwire/docflow/model"
)

// Apply replaces every occurrence of changeFrom in content with changeTo.
// The search is literal and case-sensitive. An empty changeFrom is
// INVALID_FEEDBACK; no occurrence at all is MERGE_NOT_APPLIED.
func Apply(content, changeFrom, changeTo string) (string, model.MergeSummary, error) {
	if changeFrom == "" {
		return content, model.MergeSummary{}, model.NewInvalidFeedbackError("change_from must not be empty")
	}

	n := strings.Count(content, changeFrom)
	if n == 0 {
		return content, model.MergeSummary{}, model.NewMergeNotAppliedError(
			fmt.Sprintf("text %q not found in document content", truncate(changeFrom, 80)),
		)
	}

	out := strings.ReplaceAll(content, changeFrom, changeTo)
	return out, model.MergeSummary{Replacements: n, ByteDelta: len(out) - len(content)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
