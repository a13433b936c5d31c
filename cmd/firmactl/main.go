package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/accordsai/creditlane/pkg/authn"
	"github.com/accordsai/creditlane/pkg/dochash"
	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/gatesdk"
)

const usage = `usage:
  firmactl hash --file <path> (--meta <json> | --application-id <id> --contract-id <id> --application-number <n> --generated-at <rfc3339>) [--expect <hex>]
  firmactl gate --application-id <id> [--url <base>] [--token <jwt>]
  firmactl verify --process-id <id> [--url <base>] [--token <jwt>]
  firmactl token --user <id> --role solicitante|operador [--secret <s>] [--issuer <iss>] [--audience <aud>] [--ttl 1h]`

// exit codes: 0 pass, 1 check failed or remote error, 2 usage.
type summary map[string]any

func main() {
	if len(os.Args) < 2 {
		os.Exit(emit(os.Stdout, os.Stderr, fail("", usage), 2))
	}
	var (
		s    summary
		code int
	)
	switch os.Args[1] {
	case "hash":
		s, code = runHash(os.Args[2:])
	case "gate":
		s, code = runGate(context.Background(), os.Args[2:])
	case "verify":
		s, code = runVerify(context.Background(), os.Args[2:])
	case "token":
		s, code = runToken(os.Args[2:])
	default:
		s, code = fail("", "unknown command "+os.Args[1]+"\n"+usage), 2
	}
	os.Exit(emit(os.Stdout, os.Stderr, s, code))
}

func pass(command string) summary {
	return summary{"command": command, "status": "PASS", "timestamp_utc": time.Now().UTC().Format(time.RFC3339)}
}

func fail(command, reason string) summary {
	return summary{"command": command, "status": "FAIL", "reason": reason, "timestamp_utc": time.Now().UTC().Format(time.RFC3339)}
}

// emit writes s as one JSON line to out and a colored status line to tty.
func emit(out, tty io.Writer, s summary, code int) int {
	b, _ := json.Marshal(s)
	fmt.Fprintln(out, string(b))
	if s["status"] == "PASS" {
		color.New(color.FgGreen, color.Bold).Fprintln(tty, "PASS")
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(tty, "FAIL")
	}
	return code
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func runHash(args []string) (summary, int) {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "document path")
	metaPath := fs.String("meta", "", "path to a JSON fingerprint metadata object")
	applicationID := fs.String("application-id", "", "application id")
	contractID := fs.String("contract-id", "", "contract id")
	applicationNumber := fs.String("application-number", "", "human readable application number")
	generatedAt := fs.String("generated-at", "", "contract generation time, RFC3339")
	expect := fs.String("expect", "", "expected fingerprint (hex)")
	if err := fs.Parse(args); err != nil {
		return fail("hash", err.Error()), 2
	}
	if strings.TrimSpace(*file) == "" {
		return fail("hash", "--file is required"), 2
	}
	doc, err := os.ReadFile(*file)
	if err != nil {
		return fail("hash", "read document failed: "+err.Error()), 1
	}

	var meta dochash.Metadata
	if *metaPath != "" {
		raw, err := os.ReadFile(*metaPath)
		if err != nil {
			return fail("hash", "read metadata failed: "+err.Error()), 1
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fail("hash", "parse metadata failed: "+err.Error()), 2
		}
	} else {
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*generatedAt))
		if err != nil {
			return fail("hash", "--generated-at must be RFC3339"), 2
		}
		meta = dochash.NewMetadata(doc, *applicationID, *contractID, *applicationNumber, at)
	}

	sum, err := dochash.Sum(doc, meta)
	if err != nil {
		return fail("hash", err.Error()), 1
	}
	if *expect == "" {
		s := pass("hash")
		s["hash"] = sum
		s["metadata"] = meta
		return s, 0
	}
	ok, err := dochash.Verify(doc, meta, *expect)
	if err != nil {
		return fail("hash", err.Error()), 2
	}
	if !ok {
		s := fail("hash", "fingerprint mismatch")
		s["hash"] = sum
		s["expected"] = strings.TrimSpace(*expect)
		return s, 1
	}
	s := pass("hash")
	s["hash"] = sum
	return s, 0
}

func remoteFlags(fs *flag.FlagSet) (baseURL, token *string) {
	baseURL = fs.String("url", envOr("FIRMAS_URL", "http://localhost:8090"), "signature service base url")
	token = fs.String("token", os.Getenv("FIRMAS_TOKEN"), "operator bearer token")
	return
}

func remoteFailure(command string, err error) (summary, int) {
	s := fail(command, err.Error())
	var apiErr *gatesdk.APIError
	if errors.As(err, &apiErr) {
		s["http_status"] = apiErr.Status
		s["code"] = apiErr.Code
	}
	return s, 1
}

func runGate(ctx context.Context, args []string) (summary, int) {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL, token := remoteFlags(fs)
	applicationID := fs.String("application-id", "", "application id")
	if err := fs.Parse(args); err != nil {
		return fail("gate", err.Error()), 2
	}
	if strings.TrimSpace(*applicationID) == "" {
		return fail("gate", "--application-id is required"), 2
	}
	res, err := gatesdk.New(*baseURL, *token).Eligibility(ctx, strings.TrimSpace(*applicationID))
	if err != nil {
		return remoteFailure("gate", err)
	}
	s := pass("gate")
	if !res.Eligible {
		s = fail("gate", res.Reason)
	}
	s["application_id"] = res.ApplicationID
	s["eligible"] = res.Eligible
	s["process_id"] = res.ProcessID
	if !res.Eligible {
		return s, 1
	}
	return s, 0
}

func runVerify(ctx context.Context, args []string) (summary, int) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL, token := remoteFlags(fs)
	processID := fs.String("process-id", "", "signature process id")
	if err := fs.Parse(args); err != nil {
		return fail("verify", err.Error()), 2
	}
	if strings.TrimSpace(*processID) == "" {
		return fail("verify", "--process-id is required"), 2
	}
	res, err := gatesdk.New(*baseURL, *token).Integrity(ctx, strings.TrimSpace(*processID))
	if err != nil {
		return remoteFailure("verify", err)
	}
	ok := res.OriginalValid && (res.SignedValid == nil || *res.SignedValid)
	s := pass("verify")
	if !ok {
		s = fail("verify", "fingerprint mismatch")
	}
	s["process_id"] = res.ProcessID
	s["state"] = res.State
	s["original_valid"] = res.OriginalValid
	s["signed_valid"] = res.SignedValid
	s["integrity_valid"] = res.IntegrityValid
	if !ok {
		return s, 1
	}
	return s, 0
}

func runToken(args []string) (summary, int) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	secret := fs.String("secret", os.Getenv("FIRMAS_JWT_SECRET"), "HS256 signing secret")
	issuer := fs.String("issuer", os.Getenv("FIRMAS_JWT_ISSUER"), "token issuer")
	audience := fs.String("audience", os.Getenv("FIRMAS_JWT_AUDIENCE"), "token audience")
	user := fs.String("user", "", "user id (subject)")
	role := fs.String("role", "", "solicitante or operador")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fail("token", err.Error()), 2
	}
	if *secret == "" || strings.TrimSpace(*user) == "" {
		return fail("token", "--secret and --user are required"), 2
	}
	actor, err := domain.ParseActor(strings.TrimSpace(*role))
	if err != nil {
		return fail("token", err.Error()), 2
	}
	if *ttl <= 0 {
		return fail("token", "--ttl must be positive"), 2
	}
	tok, err := authn.NewVerifier(*secret, *issuer, *audience).Issue(authn.Identity{UserID: strings.TrimSpace(*user), Role: actor}, *ttl)
	if err != nil {
		return fail("token", err.Error()), 1
	}
	s := pass("token")
	s["token"] = tok
	s["user_id"] = strings.TrimSpace(*user)
	s["role"] = actor
	s["expires_in_seconds"] = int(ttl.Seconds())
	return s, 0
}
