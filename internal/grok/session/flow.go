package session

import "context"

// CloneAndContinueResult is the outcome of CloneAndContinue: either every
// step succeeded and Body carries the live upstream response, or the chain
// short-circuited and Failure names the first step that didn't.
type CloneAndContinueResult struct {
	Clone   CloneResult
	Body    []byte
	Failure *StepFailure
}

// CloneAndContinue runs the two-step account flow spec.md §7 describes as
// "account-flow step failure": clone a shared conversation, then continue it
// with payload. It short-circuits on the first non-ok step instead of
// attempting the second once the first has failed.
func (c *Client) CloneAndContinue(ctx context.Context, shareLinkID string, payload any) CloneAndContinueResult {
	clone, err := c.Clone(ctx, shareLinkID)
	if err != nil {
		return CloneAndContinueResult{Failure: stepFailure("clone", err)}
	}
	if clone.ConversationID == "" {
		return CloneAndContinueResult{Failure: &StepFailure{Step: "clone", OK: false, Err: "upstream returned no conversationId"}}
	}

	body, err := c.Continue(ctx, clone.ConversationID, payload)
	if err != nil {
		return CloneAndContinueResult{Clone: clone, Failure: stepFailure("continue", err)}
	}
	return CloneAndContinueResult{Clone: clone, Body: body}
}

func stepFailure(step string, err error) *StepFailure {
	status := 0
	if se, ok := err.(*statusError); ok {
		status = se.status
	}
	return &StepFailure{Step: step, OK: false, Status: status, Err: err.Error()}
}
