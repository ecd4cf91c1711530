// Package steps runs a matched Rule's step pipeline against a live
// connection: non-terminal steps (delay, wait-for-other-rule) mutate
// in-flight state and fall through, the terminal step commits a
// response and ends the pipeline (spec.md §4.4).
//
// Grounded on the pack's ctrlai/internal/proxy package, which splits
// "non-streaming" (buffered reply) from "streaming" (SSE passthrough)
// terminal handling the same way StepReply/StepStream split here, and
// on its forwarder.go's hop-by-hop header filtering, reused verbatim by
// the forward/passthrough steps via internal/passthrough.
package steps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
	"github.com/relaymock/relay/internal/rules"
)

// Dispatcher sends a request upstream and returns the response — the
// seam internal/passthrough implements, kept as an interface here so
// internal/steps never imports internal/passthrough directly (avoiding
// an import cycle; passthrough itself executes transform/hook options
// steps.Step carries).
type Dispatcher interface {
	Dispatch(ctx context.Context, req *httpwire.Request, opts rules.PassthroughOptions) (*httpwire.Response, error)
}

// Waiter lets a wait-for-other-rule step block until another rule has
// committed at least once, the synchronisation primitive spec.md §3
// names without specifying its implementation. internal/session wires
// this to per-rule completion broadcasts.
type Waiter interface {
	WaitForRule(ctx context.Context, ruleID string) error
}

// Outcome describes how a step pipeline ended, for the caller (the
// connection loop in internal/session) to act on: a response was
// written normally, the connection should be closed gracefully, reset
// abruptly, or left open forever (timeout).
type Outcome string

const (
	OutcomeResponded Outcome = "responded"
	OutcomeClose     Outcome = "close"
	OutcomeReset     Outcome = "reset"
	OutcomeTimeout   Outcome = "timeout"
)

// Executor runs rule step pipelines against a connection.
type Executor struct {
	Dispatcher Dispatcher
	Waiter     Waiter
}

// Run executes rule's steps against req, writing any terminal response
// to w. conn is not used by Run itself: for close/reset it only returns
// the Outcome, and the caller tears down the raw socket. It may be nil.
func (e *Executor) Run(ctx context.Context, rule *rules.Rule, req *httpwire.Request, w *bufio.Writer, conn net.Conn) (Outcome, *httpwire.Response, error) {
	for _, step := range rule.Steps {
		switch step.Kind {
		case rules.StepDelay:
			if err := sleep(ctx, time.Duration(step.DelayMS)*time.Millisecond); err != nil {
				return OutcomeReset, nil, err
			}
			continue
		case rules.StepWaitForOtherRule:
			if e.Waiter != nil {
				if err := e.Waiter.WaitForRule(ctx, step.WaitForRuleID); err != nil {
					return OutcomeReset, nil, err
				}
			}
			continue
		}

		// Every remaining kind is terminal.
		switch step.Kind {
		case rules.StepReply:
			resp := replyToResponse(req, step.Reply)
			if err := writeFullResponse(w, resp); err != nil {
				return OutcomeReset, resp, err
			}
			return OutcomeResponded, resp, nil

		case rules.StepStream:
			resp := streamToResponse(req, step.Stream.StatusCode, step.Stream.Headers)
			if err := writeStreamedResponse(ctx, w, resp, step.Stream.Source); err != nil {
				return OutcomeReset, resp, err
			}
			return OutcomeResponded, resp, nil

		case rules.StepCallback:
			result, err := step.Callback(req)
			if err != nil {
				return OutcomeReset, nil, relayerr.Wrap(relayerr.CallbackError, "callback step", err)
			}
			switch {
			case result.Reply != nil:
				resp := replyToResponse(req, result.Reply)
				if err := writeFullResponse(w, resp); err != nil {
					return OutcomeReset, resp, err
				}
				return OutcomeResponded, resp, nil
			case result.Sentinel == "close":
				return OutcomeClose, nil, nil
			case result.Sentinel == "reset":
				return OutcomeReset, nil, nil
			case result.Mutation != nil:
				applyMutation(req, result.Mutation)
				continue
			default:
				return OutcomeReset, nil, relayerr.New(relayerr.CallbackError, "callback step returned no recognizable result")
			}

		case rules.StepClose:
			return OutcomeClose, nil, nil

		case rules.StepReset:
			return OutcomeReset, nil, nil

		case rules.StepTimeout:
			<-ctx.Done()
			return OutcomeTimeout, nil, ctx.Err()

		case rules.StepForward:
			if e.Dispatcher == nil {
				return OutcomeReset, nil, fmt.Errorf("steps: forward step with no dispatcher configured")
			}
			fwdReq := req.Clone()
			rewriteForTarget(fwdReq, step.Forward.Target, step.Forward.UpdateHostHeader)
			resp, err := e.Dispatcher.Dispatch(ctx, fwdReq, step.Forward.PassthroughOptions)
			if err != nil {
				if errResp := upstreamErrorResponse(req, err); errResp != nil {
					if werr := writeFullResponse(w, errResp); werr != nil {
						return OutcomeReset, errResp, werr
					}
					return OutcomeResponded, errResp, nil
				}
				return OutcomeReset, nil, err
			}
			if err := writeFullResponse(w, resp); err != nil {
				return OutcomeReset, resp, err
			}
			return OutcomeResponded, resp, nil

		case rules.StepPassthrough:
			if e.Dispatcher == nil {
				return OutcomeReset, nil, fmt.Errorf("steps: passthrough step with no dispatcher configured")
			}
			resp, err := e.Dispatcher.Dispatch(ctx, req, step.Passthrough)
			if err != nil {
				if errResp := upstreamErrorResponse(req, err); errResp != nil {
					if werr := writeFullResponse(w, errResp); werr != nil {
						return OutcomeReset, errResp, werr
					}
					return OutcomeResponded, errResp, nil
				}
				return OutcomeReset, nil, err
			}
			if err := writeFullResponse(w, resp); err != nil {
				return OutcomeReset, resp, err
			}
			return OutcomeResponded, resp, nil

		default:
			return OutcomeReset, nil, fmt.Errorf("steps: unknown terminal step kind %q", step.Kind)
		}
	}
	return OutcomeReset, nil, fmt.Errorf("steps: pipeline exhausted without a terminal step")
}

// upstreamErrorResponse converts a Dispatch failure that spec.md §7
// maps to 502 (upstream-dial-error, upstream-tls-error,
// upstream-read-error, upstream-timeout, body-too-large-for-transform)
// into the diagnostic response the downstream client is owed, tagging
// it "passthrough-error:<code>" so the response event still carries
// the failure even though the matched rule's own step never built one.
// Any other error (no relayerr.Error, or a kind with no 502 mapping)
// returns nil, leaving the caller to reset the connection instead.
func upstreamErrorResponse(req *httpwire.Request, err error) *httpwire.Response {
	var relayErr *relayerr.Error
	if !errors.As(err, &relayErr) || relayErr.Kind.Status() != 502 {
		return nil
	}
	code := relayErr.Tag
	if code == "" {
		code = string(relayErr.Kind)
	}
	req.Tags.Add("passthrough-error:" + code)

	body := relayErr.Error()
	resp := httpwire.NewResponse(req)
	resp.StatusCode = 502
	resp.StatusMessage = statusText(502)
	resp.RawHeaders = httpwire.RawHeaders{}
	resp.RawHeaders.Add("Content-Type", "text/plain; charset=utf-8")
	resp.SyncHeaders()
	resp.Body = httpwire.NewBufferedBody([]byte(body), bodycodec.Identity, int64(len(body)))
	return resp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func applyMutation(req *httpwire.Request, m *rules.RequestMutation) {
	if m.Method != "" {
		req.Method = m.Method
	}
	if m.URL != "" {
		req.URL = m.URL
	}
	if m.ReplaceHeaders != nil {
		req.RawHeaders = m.ReplaceHeaders.Clone()
	}
	for _, p := range m.UpdateHeaders {
		if p.Value == "" {
			req.RawHeaders.Del(p.Name)
			continue
		}
		req.RawHeaders.Set(p.Name, p.Value)
	}
	req.SyncHeaders()
	if m.Body != nil {
		maxSize := int64(len(m.Body))
		if req.Body != nil && req.Body.MaxSize() > maxSize {
			maxSize = req.Body.MaxSize()
		}
		enc := bodycodec.Identity
		if req.Body != nil {
			enc = req.Body.ContentEncoding()
		}
		req.Body = httpwire.NewBufferedBody(m.Body, enc, maxSize)
	}
}

func rewriteForTarget(req *httpwire.Request, target string, updateHostHeader bool) {
	if target == "" {
		return
	}
	req.Destination = parseTarget(target, req.Destination.Port)
	if updateHostHeader {
		req.RawHeaders.Set("Host", target)
		req.SyncHeaders()
	}
}

func parseTarget(target string, defaultPort int) httpwire.Destination {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return httpwire.Destination{Hostname: target, Port: defaultPort}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return httpwire.Destination{Hostname: host, Port: port}
}
