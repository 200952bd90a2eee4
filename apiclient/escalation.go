package apiclient

import "context"

// HandleExpired is the fallback once a request was rejected for
// authentication. It tries one refresh; if that fails it clears the stored
// credentials and the session cache, starts the re-authentication hook on its
// own goroutine and returns false.
//
// Only one escalation runs at a time. A call made while another is running
// returns false immediately.
func (c *Client) HandleExpired(ctx context.Context) bool {
	if !c.escalating.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("Escalation already running")
		c.metrics.Escalations.WithLabelValues("skipped").Inc()
		return false
	}
	defer c.escalating.Store(false)

	if c.Refresh(ctx) {
		c.metrics.Escalations.WithLabelValues("recovered").Inc()
		return true
	}

	c.logger.Info().Msg("Session expired, signing out")
	c.store.Clear()
	c.session.Clear()
	c.metrics.Escalations.WithLabelValues("signed_out").Inc()
	c.emit(Event{Kind: EventSignedOut})

	if c.reauth != nil {
		go c.reauth()
	}
	return false
}

// stageResult is the verdict of one step of authentication recovery.
type stageResult int

const (
	// stageRecovered means credentials are usable again; re-send the request.
	stageRecovered stageResult = iota
	// stageContinue means this step failed and the next one should run.
	stageContinue
	// stageStop means recovery is over and the call fails.
	stageStop
)

type recoveryStage func(ctx context.Context) stageResult

// recoveryStages returns the pipeline for an auth failure seen on the given
// attempt. While retries remain: refresh, then escalation. Once the budget is
// spent, escalation still runs so the session is torn down, but the call
// fails whatever it returns.
func (c *Client) recoveryStages(attempt int) []recoveryStage {
	if attempt < maxAuthRetries {
		return []recoveryStage{c.refreshStage, c.escalationStage}
	}
	return []recoveryStage{c.lastResortStage}
}

// recoverAuth runs the pipeline and reports whether the call should be re-sent.
func (c *Client) recoverAuth(ctx context.Context, attempt int) bool {
	for _, stage := range c.recoveryStages(attempt) {
		switch stage(ctx) {
		case stageRecovered:
			return true
		case stageStop:
			return false
		}
	}
	return false
}

func (c *Client) refreshStage(ctx context.Context) stageResult {
	if c.Refresh(ctx) {
		return stageRecovered
	}
	return stageContinue
}

func (c *Client) escalationStage(ctx context.Context) stageResult {
	if c.HandleExpired(ctx) {
		return stageRecovered
	}
	return stageStop
}

func (c *Client) lastResortStage(ctx context.Context) stageResult {
	c.HandleExpired(ctx)
	return stageStop
}
