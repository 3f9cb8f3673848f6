package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
)

// Beacon posts the payload over HTTP from a detached goroutine. The request is
// fully built before Dispatch returns; the response is drained and discarded.
type Beacon struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewBeacon targets the backend rooted at baseURL. timeout bounds each send.
func NewBeacon(baseURL string, timeout time.Duration, log zerolog.Logger) *Beacon {
	return &Beacon{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "beacon").Logger(),
	}
}

// TeardownURL returns the teardown-submit endpoint for attemptID.
func TeardownURL(baseURL, attemptID string) string {
	return baseURL + "/api/v1/student/attempts/" + url.PathEscape(attemptID) + "/teardown-submit"
}

func (b *Beacon) Dispatch(p Payload) {
	body, err := json.Marshal(model.TeardownSubmitRequest{
		AttemptID: p.AttemptID,
		Answers:   answersOrEmpty(p.Answers),
		Token:     p.AuthToken,
	})
	if err != nil {
		b.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Encode beacon payload")
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, TeardownURL(b.baseURL, p.AttemptID), bytes.NewReader(body))
	if err != nil {
		b.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Build beacon request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		resp, err := b.client.Do(req)
		if err != nil {
			b.log.Debug().Err(err).Str("attempt_id", p.AttemptID).Msg("Beacon not delivered")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		b.log.Debug().Int("status", resp.StatusCode).Str("attempt_id", p.AttemptID).Msg("Beacon sent")
	}()
}

// Wait blocks until every initiated send has finished or ctx is done. A
// process about to exit calls it so its own teardown does not cut sends short.
func (b *Beacon) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
