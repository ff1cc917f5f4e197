package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"regexp"
	"strings"
	"text/tabwriter"

	u "github.com/gofrs/uuid/v5"

	pb "github.com/and161185/presence/internal/api/presencev1"
)

// command runs one RPC-backed subcommand.
type command func(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error

var commands = map[string]command{
	"create":     cmdCreate,
	"start":      cmdStart,
	"end":        cmdEnd,
	"submit":     cmdSubmit,
	"attendance": cmdAttendance,
	"history":    cmdHistory,
}

var reCode = regexp.MustCompile(`^[0-9]{6}$`)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func sessionIDFlag(name string, args []string) (string, error) {
	fs := newFlags(name)
	id := fs.String("id", "", "session id (uuid)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if _, err := u.FromString(*id); err != nil {
		return "", errors.New("need -id <session uuid>")
	}
	return *id, nil
}

func cmdUseToken(args []string, out io.Writer) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("need use-token <jwt>")
	}
	tok := strings.TrimSpace(args[0])
	exp, err := tokenExpiry(tok)
	if err != nil {
		return err
	}
	if err := saveToken(tok, exp); err != nil {
		return err
	}
	fmt.Fprintf(out, "ok, token valid until %s\n", exp.UTC().Format("2006-01-02 15:04"))
	return nil
}

func cmdCreate(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error {
	fs := newFlags("create")
	subject := fs.String("subject", "", "subject name")
	year := fs.Int("year", 0, "cohort year (1-4)")
	semester := fs.Int("semester", 0, "cohort semester (1-8)")
	mode := fs.String("mode", "qr", "delivery mode: qr or otp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	*mode = strings.ToLower(*mode)
	switch {
	case strings.TrimSpace(*subject) == "":
		return errors.New("need -subject")
	case *year < 1 || *year > 4:
		return errors.New("need -year between 1 and 4")
	case *semester < 1 || *semester > 8:
		return errors.New("need -semester between 1 and 8")
	case *mode != "qr" && *mode != "otp":
		return errors.New("need -mode qr or otp")
	}
	resp, err := cli.CreateSession(ctx, &pb.CreateSessionRequest{Subject: *subject, Year: *year, Semester: *semester, Mode: *mode})
	if err != nil {
		return err
	}
	printJSON(out, resp.Session)
	return nil
}

func cmdStart(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error {
	id, err := sessionIDFlag("start", args)
	if err != nil {
		return err
	}
	resp, err := cli.StartSession(ctx, &pb.StartSessionRequest{SessionID: id})
	if err != nil {
		return err
	}
	printJSON(out, resp.Session)
	return nil
}

func cmdEnd(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error {
	id, err := sessionIDFlag("end", args)
	if err != nil {
		return err
	}
	if _, err := cli.EndSession(ctx, &pb.EndSessionRequest{SessionID: id}); err != nil {
		return err
	}
	fmt.Fprintln(out, "ended")
	return nil
}

func cmdSubmit(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error {
	fs := newFlags("submit")
	mode := fs.String("mode", "", "qr or otp")
	payload := fs.String("payload", "", "scanned QR token or typed code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	*mode = strings.ToLower(*mode)
	*payload = strings.TrimSpace(*payload)
	if *mode == "" {
		// a bare 6-digit payload is a typed code
		*mode = "qr"
		if reCode.MatchString(*payload) {
			*mode = "otp"
		}
	}
	switch {
	case *payload == "":
		return errors.New("need -payload")
	case *mode != "qr" && *mode != "otp":
		return errors.New("need -mode qr or otp")
	case *mode == "otp" && !reCode.MatchString(*payload):
		return errors.New("need a 6-digit -payload for otp")
	}
	resp, err := cli.Submit(ctx, &pb.SubmitRequest{Mode: *mode, Payload: *payload})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", resp.Outcome, resp.Message)
	if resp.MarkedAtMs != 0 {
		fmt.Fprintf(out, "session=%s at=%s\n", resp.SessionID, msString(resp.MarkedAtMs))
	}
	return nil
}

func printRecords(out io.Writer, recs []pb.AttendanceRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no records")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTUDENT\tMARKED AT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.SessionID, r.StudentID, msString(r.MarkedAtMs))
	}
	_ = tw.Flush()
}

func cmdAttendance(ctx context.Context, cli pb.PresenceClient, args []string, out io.Writer) error {
	id, err := sessionIDFlag("attendance", args)
	if err != nil {
		return err
	}
	resp, err := cli.ListAttendance(ctx, &pb.ListAttendanceRequest{SessionID: id})
	if err != nil {
		return err
	}
	printRecords(out, resp.Records)
	return nil
}

func cmdHistory(ctx context.Context, cli pb.PresenceClient, _ []string, out io.Writer) error {
	resp, err := cli.MyAttendance(ctx, &pb.MyAttendanceRequest{})
	if err != nil {
		return err
	}
	printRecords(out, resp.Records)
	return nil
}
