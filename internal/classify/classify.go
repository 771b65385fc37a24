// Package classify maps a publish result to the execution outcome.
package classify

import "github.com/chronos/ebreplay/internal/models"

// Classify returns OutcomeFailed if any entry failed, otherwise OutcomeSucceeded.
// There is no partial-success outcome.
func Classify(result models.PublishResult) models.Outcome {
	if result.FailedEntryCount > 0 {
		return models.OutcomeFailed
	}
	return models.OutcomeSucceeded
}

// FailedEntries returns the entries the bus rejected.
func FailedEntries(result models.PublishResult) []models.EntryResult {
	var failed []models.EntryResult
	for _, e := range result.Entries {
		if e.Failed() {
			failed = append(failed, e)
		}
	}
	return failed
}

// Error returns the domain error for a failed result, or nil if it succeeded.
func Error(result models.PublishResult) error {
	if Classify(result) == models.OutcomeSucceeded {
		return nil
	}
	return &models.PartialPublishFailure{
		FailedEntryCount: result.FailedEntryCount,
		Entries:          FailedEntries(result),
	}
}
