package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/neurolink/internal/api"
	"github.com/g960059/neurolink/internal/appclient"
	"github.com/g960059/neurolink/internal/config"
	"github.com/g960059/neurolink/internal/protocol"
)

type Runner struct {
	client *appclient.Client
	// pinned is set when the client was injected and global flags must not
	// replace it.
	pinned bool
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), false, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	return newRunner(appclient.NewWithClient(baseURL, client), true, out, errOut)
}

func newRunner(client *appclient.Client, pinned bool, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, pinned: pinned, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	global := pflag.NewFlagSet("neurolink", pflag.ContinueOnError)
	global.SetOutput(io.Discard)
	global.SetInterspersed(false)
	socketPath := global.String("socket", "", "daemon unix socket path")
	addr := global.String("addr", "", "daemon TCP address (host:port)")
	if err := global.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if !r.pinned {
		switch {
		case *addr != "":
			r.client = appclient.NewTCP(*addr)
		case *socketPath != "":
			r.client = appclient.New(*socketPath)
		}
	}
	rest := global.Args()
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "session":
		return r.runSession(ctx, rest[1:])
	case "calibrate":
		return r.runCalibrate(ctx, rest[1:])
	case "classify":
		return r.runClassify(ctx, rest[1:])
	case "result":
		return r.runResult(ctx, rest[1:])
	case "training":
		return r.runTraining(ctx, rest[1:])
	case "protocols":
		return r.runProtocols(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("health")
	if !r.parse(fs, args) {
		return 2
	}
	h, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(h)
	}
	_, _ = fmt.Fprintf(r.out, "%s\tlive_sessions=%d\n", h.Status, h.LiveSessions)
	return 0
}

func (r *Runner) runSession(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: neurolink session <new|list|show|end>")
		return 2
	}
	switch args[0] {
	case "new":
		fs, jsonOut := newFlagSet("session new")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		id, err := r.client.NewSessionID(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(map[string]string{"session_id": id})
		}
		_, _ = fmt.Fprintln(r.out, id)
		return 0
	case "list":
		fs, jsonOut := newFlagSet("session list")
		phase := fs.String("phase", "", "filter by phase")
		includeEnded := fs.Bool("include-ended", false, "include ended sessions from the ledger")
		limit := fs.Int("limit", 0, "maximum number of sessions")
		if !r.parse(fs, args[1:]) {
			return 2
		}
		items, err := r.client.ListSessions(ctx, appclient.ListOptions{
			Phase:        strings.ToUpper(strings.TrimSpace(*phase)),
			IncludeEnded: *includeEnded,
			Limit:        *limit,
		})
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(items)
		}
		for _, it := range items {
			r.printSessionRow(it)
		}
		return 0
	case "show":
		fs, jsonOut := newFlagSet("session show")
		id, ok := r.parseWithID(fs, args[1:], "usage: neurolink session show <session-id>")
		if !ok {
			return 2
		}
		it, err := r.client.GetSession(ctx, id)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(it)
		}
		r.printSessionRow(it)
		if it.LatestLabel != nil {
			_, _ = fmt.Fprintf(r.out, "latest\t%s\t%.3f\n", it.LatestLabel.Label, it.LatestLabel.Score)
		}
		if it.TrainingMessage != "" {
			_, _ = fmt.Fprintf(r.out, "training\t%s\n", it.TrainingMessage)
		}
		return 0
	case "end":
		fs, jsonOut := newFlagSet("session end")
		id, ok := r.parseWithID(fs, args[1:], "usage: neurolink session end <session-id>")
		if !ok {
			return 2
		}
		summary, err := r.client.EndSession(ctx, id)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(summary)
		}
		_, _ = fmt.Fprintf(r.out, "ended %s\tfinal_phase=%s\taccepted=%d\tdropped=%d\tlabels=%d\n",
			summary.SessionID, summary.FinalPhase, summary.SamplesAccepted, summary.SamplesDropped, summary.LabelsEmitted)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown session command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runCalibrate(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("calibrate")
	name := fs.String("protocol", "", "name of a protocol known to the daemon")
	file := fs.String("protocol-file", "", "YAML or JSON protocol file to send inline")
	id, ok := r.parseWithID(fs, args, "usage: neurolink calibrate <session-id> [--protocol <name> | --protocol-file <path>]")
	if !ok {
		return 2
	}
	req := api.StartCalibrationRequest{ProtocolName: strings.TrimSpace(*name)}
	if *file != "" {
		if req.ProtocolName != "" {
			_, _ = fmt.Fprintln(r.errOut, "error: --protocol and --protocol-file are mutually exclusive")
			return 2
		}
		p, err := protocol.Load(*file)
		if err != nil {
			return r.handleErr(err)
		}
		req.Protocol = &p
	}
	resp, err := r.client.StartCalibration(ctx, id, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "calibrating %s\tprotocol=%s\tduration=%.3fs\tstart=%s\n",
		resp.SessionID, resp.Protocol.Name, resp.DurationSeconds, resp.NominalStartTime.Format(time.RFC3339Nano))
	return 0
}

func (r *Runner) runClassify(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("classify")
	modelRef := fs.String("model-ref", "", "artifact key of the model to classify with")
	id, ok := r.parseWithID(fs, args, "usage: neurolink classify <session-id> [--model-ref <key>]")
	if !ok {
		return 2
	}
	resp, err := r.client.StartClassification(ctx, id, strings.TrimSpace(*modelRef))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "classifying %s\tmodel=%s\n", resp.SessionID, resp.ModelKey)
	return 0
}

func (r *Runner) runResult(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("result")
	id, ok := r.parseWithID(fs, args, "usage: neurolink result <session-id>")
	if !ok {
		return 2
	}
	resp, err := r.client.Result(ctx, id)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	l := resp.Label
	_, _ = fmt.Fprintf(r.out, "%s\t%.3f\tepoch=%d\twindow=%.3f-%.3f\n", l.Label, l.Score, l.EpochIndex, l.WindowStart, l.WindowEnd)
	return 0
}

func (r *Runner) runTraining(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("training")
	id, ok := r.parseWithID(fs, args, "usage: neurolink training <session-id>")
	if !ok {
		return 2
	}
	resp, err := r.client.Training(ctx, id)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	line := fmt.Sprintf("%s\t%s\t%s", resp.SessionID, resp.Status, resp.Algorithm)
	if resp.Message != "" {
		line += "\t" + resp.Message
	}
	_, _ = fmt.Fprintln(r.out, line)
	return 0
}

func (r *Runner) runProtocols(ctx context.Context, args []string) int {
	fs, jsonOut := newFlagSet("protocols")
	if !r.parse(fs, args) {
		return 2
	}
	names, err := r.client.Protocols(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(names)
	}
	for _, n := range names {
		_, _ = fmt.Fprintln(r.out, n)
	}
	return 0
}

func newFlagSet(name string) (*pflag.FlagSet, *bool) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	return fs, jsonOut
}

func (r *Runner) parse(fs *pflag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false
	}
	return true
}

func (r *Runner) parseWithID(fs *pflag.FlagSet, args []string, usage string) (string, bool) {
	if !r.parse(fs, args) {
		return "", false
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		_, _ = fmt.Fprintln(r.errOut, usage)
		return "", false
	}
	return strings.TrimSpace(fs.Arg(0)), true
}

func (r *Runner) printSessionRow(it api.SessionItem) {
	phase := it.Phase
	if it.FinalPhase != "" {
		phase += "(" + it.FinalPhase + ")"
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%dch@%gHz\taccepted=%d\tdropped=%d\tlabels=%d\n",
		it.SessionID, phase, len(it.ChannelLabels), it.SamplingRate, it.SamplesAccepted, it.SamplesDropped, it.LabelsEmitted)
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: neurolink [--socket <path> | --addr <host:port>] <health|session|calibrate|classify|result|training|protocols> ...")
}

// DefaultSocketPath is where the CLI looks for the daemon by default.
func DefaultSocketPath() string {
	return config.DefaultConfig().SocketPath
}
