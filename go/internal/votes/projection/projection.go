// Package projection turns a pushed vote table into the list shown to one
// participant.
package projection

import "github.com/mcdev12/livevote/go/internal/models"

// Project lists every record of table except local's own, in the table's
// enumeration order. It keeps no state between calls: each push is
// projected from scratch.
func Project(table models.VoteTable, local models.ParticipantID) []models.ProjectedVote {
	out := make([]models.ProjectedVote, 0, len(table))
	for _, key := range table.Keys() {
		if key == local {
			continue
		}
		record := table[key]
		out = append(out, models.ProjectedVote{
			ParticipantID: key,
			DisplayName:   record.DisplayName,
			Vote:          record.Vote,
		})
	}
	return out
}
