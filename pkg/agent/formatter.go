package agent

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/paperchat/pkg/model"
)

// NoContextFound is the extra context given to the model before any retrieval and after a
// retrieval that found nothing.
const NoContextFound = "No additional information was found in the database."

// FormatContext renders fragments as labeled blocks in input order. Fragments are expected
// to be ranked already.
func FormatContext(fragments []*model.RetrievedFragment) string {
	blocks := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f == nil {
			continue
		}
		header := fmt.Sprintf("--- FRAGMENT %d | SOURCE: %s | PAGE: %d ---", len(blocks)+1, f.Source, f.PageNumber)
		blocks = append(blocks, header+"\n"+strings.TrimSpace(f.Content))
	}

	if len(blocks) == 0 {
		return NoContextFound
	}
	return strings.Join(blocks, "\n\n")
}
