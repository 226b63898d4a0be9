package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"github.com/triage-ai/palisade/services/request_gate/internal/server"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Interactively answer approval prompts as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := a.connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := a.callContext(cmd.Context(), 0)
			defer cancel()
			watcher, err := client.WatchPending(ctx, &server.WatchPendingRequest{IncludeExisting: true})
			if err != nil {
				return err
			}

			events := make(chan *gate.Event, 64)
			recvErr := make(chan error, 1)
			go func() {
				defer close(events)
				for {
					ev, err := watcher.Recv()
					if err != nil {
						recvErr <- err
						return
					}
					events <- ev
				}
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "watching for approval prompts, ctrl-c to stop")

			q := newQueue()
			for {
				req, ok := q.next()
				if !ok {
					ev, open := <-events
					if !open {
						return streamEnd(<-recvErr)
					}
					q.apply(ev)
					continue
				}

				// Catch up on anything that arrived while the last prompt was open.
				if !q.stillPending(req.ID, events) {
					continue
				}

				outcome, err := ask(req)
				if err != nil {
					if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
						return nil
					}
					return err
				}
				if !q.stillPending(req.ID, events) {
					fmt.Fprintf(out, "%s was withdrawn while the prompt was open; answer discarded\n", req.ID)
					q.forget(req.ID)
					continue
				}

				rctx, rcancel := a.callContext(cmd.Context(), a.timeout())
				err = client.ResolvePending(rctx, &server.ResolvePendingRequest{ID: req.ID, Outcome: string(outcome)})
				rcancel()
				switch {
				case status.Code(err) == codes.NotFound:
					fmt.Fprintf(out, "%s was already resolved or withdrawn\n", req.ID)
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "%s: %s\n", req.ID, outcome)
				}
				q.forget(req.ID)
			}
		},
	}
}

func streamEnd(err error) error {
	if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

func ask(req gate.PendingRequest) (gate.Outcome, error) {
	options := req.Options()
	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = outcomeLabel(req, o)
	}
	sel := promptui.Select{
		Label: promptLabel(req),
		Items: labels,
		Size:  len(labels),
	}
	i, _, err := sel.Run()
	if err != nil {
		return "", err
	}
	return options[i], nil
}

func promptLabel(req gate.PendingRequest) string {
	var b strings.Builder
	switch req.Kind {
	case gate.KindHistoryAccess:
		fmt.Fprintf(&b, "An MCP client wants to read %s", req.Category.DisplayName())
	default:
		fmt.Fprintf(&b, "An MCP client wants to send a request to %s:%d", req.Hostname, req.Port)
	}
	if req.ClientID != "" {
		fmt.Fprintf(&b, " (client %s)", req.ClientID)
	}
	if req.Preview != "" {
		b.WriteString("\n" + req.Preview + "\n")
	}
	return b.String()
}

func outcomeLabel(req gate.PendingRequest, o gate.Outcome) string {
	switch o {
	case gate.OutcomeAllowOnce:
		return "Allow once"
	case gate.OutcomeAllowHost:
		return "Always allow host " + req.Hostname
	case gate.OutcomeAllowHostPort:
		return fmt.Sprintf("Always allow %s:%d", req.Hostname, req.Port)
	case gate.OutcomeAlwaysAllowCategory:
		return "Always allow " + req.Category.DisplayName()
	case gate.OutcomeDeny:
		return "Deny"
	}
	return string(o)
}

// queue tracks live pending decisions in arrival order.
type queue struct {
	order []gate.PendingRequest
	ids   map[string]bool
}

func newQueue() *queue {
	return &queue{ids: make(map[string]bool)}
}

func (q *queue) apply(ev *gate.Event) {
	switch ev.Type {
	case gate.EventRequested:
		if q.ids[ev.Request.ID] {
			return
		}
		q.ids[ev.Request.ID] = true
		q.order = append(q.order, ev.Request)
	case gate.EventResolved, gate.EventAbandoned:
		q.forget(ev.Request.ID)
	}
}

func (q *queue) drain(events <-chan *gate.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			q.apply(ev)
		default:
			return
		}
	}
}

func (q *queue) next() (gate.PendingRequest, bool) {
	for len(q.order) > 0 {
		req := q.order[0]
		if q.ids[req.ID] {
			return req, true
		}
		q.order = q.order[1:]
	}
	return gate.PendingRequest{}, false
}

func (q *queue) live(id string) bool { return q.ids[id] }

// stillPending applies events that arrived meanwhile and reports whether
// id is still waiting for an answer.
func (q *queue) stillPending(id string, events <-chan *gate.Event) bool {
	q.drain(events)
	return q.live(id)
}

func (q *queue) forget(id string) { delete(q.ids, id) }
