// esignctl is the local administration CLI for esignd. It opens the data
// directory directly, so it refuses to run while the daemon holds the lock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"esignd/internal/audit"
	"esignd/internal/ca"
	"esignd/internal/config"
	"esignd/internal/core"
	"esignd/internal/domain"
	"esignd/internal/logging"
	"esignd/internal/security"
)

var (
	configPath = flag.String("config", "", "path to config file")
	verbose    = flag.Bool("v", false, "log to stderr")
)

// errNegative marks a check that ran and failed. It exits with status 2.
var errNegative = errors.New("check failed")

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "authority":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdAuthority(sc) })
	case "issue":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdIssue(ctx, sc, args) })
	case "revoke":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdRevoke(ctx, sc, args) })
	case "validate":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdValidate(ctx, sc, args) })
	case "certs":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdCerts(ctx, sc, args) })
	case "keys":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdKeys(ctx, sc, args) })
	case "sign":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdSign(ctx, sc, args) })
	case "verify":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdVerify(ctx, sc, args) })
	case "sigs":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdSigs(ctx, sc, args) })
	case "export":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdExport(ctx, sc, args) })
	case "workflow":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdWorkflow(ctx, sc, args) })
	case "access":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdAccess(ctx, sc, args) })
	case "audit":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdAudit(ctx, sc, args) })
	case "anomalies":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdAnomalies(ctx, sc, args) })
	case "stats":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdStats(ctx, sc, args) })
	case "chain":
		err = withCore(func(ctx context.Context, sc *core.SignatureCore) error { return cmdChain(ctx, sc) })
	case "config":
		err = cmdConfig(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if errors.Is(err, errNegative) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `esignctl - administration utility for esignd

Usage: esignctl [options] <command> [args]

Certificates:
  authority                          Show the CA and TSA identities
  issue -owner ID -name NAME         Issue a certificate (generates keys on first use)
  revoke [-reason R] <cert-id>       Revoke a certificate
  validate <cert-id>                 Check a certificate
  certs [-owner ID]                  List certificates
  keys <owner-id>                    Show an owner's key history

Signatures:
  sign -owner ID [-doc D] <file>     Sign a file
  verify <signature-id> <file>       Re-verify a stored signature against a file
  sigs [-owner ID] [-doc D]          List signatures
  export [-format json|pdf-stub] [-o out] <signature-id>

Workflows:
  workflow start -doc D -required a,b [-optional c]
  workflow sign -signer ID [-signature SIG | <file>] <workflow-id>
  workflow reject -signer ID [-reason R] <workflow-id>
  workflow show <workflow-id>
  workflow list [-doc D]

Audit:
  access -actor ID [-action A] <document-id>
  audit [filters] [-format json|csv] [-o out]
  anomalies [filters]
  stats [filters]
  chain                              Verify the audit chain

Other:
  config [-o path]                   Print or write the effective configuration
  help                               Show this help message

Options:
  -config <path>  Path to config file
  -v              Log to stderr`)
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.NewLoader(path).Load()
}

// withCore opens the signature core for one command and closes it afterwards.
func withCore(fn func(context.Context, *core.SignatureCore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.Nop()
	if *verbose {
		lc, err := cfg.Logging.LoggerConfig()
		if err != nil {
			return err
		}
		lc.Output = "stderr"
		if log, err = logging.New(lc); err != nil {
			return err
		}
		defer log.Close()
	}

	dataDir := filepath.Dir(cfg.Storage.MasterSecretPath)
	lock, err := security.LockDir(dataDir, "esignd.lock")
	if err != nil {
		if errors.Is(err, security.ErrLocked) {
			return fmt.Errorf("esignd is running on %s; use its HTTP API instead", dataDir)
		}
		return err
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sc, err := core.Open(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	runErr := fn(ctx, sc)
	if err := sc.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func needArgs(fs *flag.FlagSet, n int, synopsis string) error {
	if fs.NArg() < n {
		return fmt.Errorf("usage: esignctl %s", synopsis)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cmdAuthority(sc *core.SignatureCore) error {
	return printJSON(sc.Authorities())
}

func cmdIssue(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	name := fs.String("name", "", "subject display name")
	org := fs.String("org", "", "organization")
	dept := fs.String("dept", "", "department")
	email := fs.String("email", "", "email")
	days := fs.Int("days", 0, "validity in days (0 uses the authority default)")
	rotate := fs.Bool("rotate", false, "generate a fresh key pair for this certificate")
	fs.Parse(args)

	cert, err := sc.IssueCertificate(ctx, *owner, *name, ca.Attributes{
		Organization: *org,
		Department:   *dept,
		Email:        *email,
		Validity:     time.Duration(*days) * 24 * time.Hour,
		RotateKey:    *rotate,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Issued certificate %s\n", cert.ID)
	fmt.Printf("  Serial:      %s\n", cert.SerialNumber)
	fmt.Printf("  Subject:     %s (%s)\n", cert.Subject.Name, cert.Subject.OwnerID)
	fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint)
	fmt.Printf("  Expires:     %s\n", cert.ExpiresAt.Format(time.RFC3339))
	return nil
}

func cmdRevoke(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	reason := fs.String("reason", "", "revocation reason")
	fs.Parse(args)
	if err := needArgs(fs, 1, "revoke [-reason R] <cert-id>"); err != nil {
		return err
	}

	cert, err := sc.RevokeCertificate(ctx, fs.Arg(0), *reason)
	if err != nil {
		return err
	}
	fmt.Printf("Revoked %s at %s (%s)\n", cert.ID, cert.RevocationDate.Format(time.RFC3339), cert.RevocationReason)
	return nil
}

func cmdValidate(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if err := needArgs(fs, 1, "validate <cert-id>"); err != nil {
		return err
	}

	v, err := sc.ValidateCertificate(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !v.IsValid {
		fmt.Printf("INVALID: %s\n", v.Reason)
		return errNegative
	}
	fmt.Println("VALID")
	return nil
}

func cmdCerts(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("certs", flag.ExitOnError)
	owner := fs.String("owner", "", "only this owner")
	fs.Parse(args)

	certs, err := sc.ListCertificates(ctx, *owner)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tNAME\tSERIAL\tEXPIRES\tACTIVE")
	for _, c := range certs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			c.ID, c.Subject.OwnerID, c.Subject.Name, c.SerialNumber, c.ExpiresAt.Format("2006-01-02"), c.IsActive)
	}
	return w.Flush()
}

func cmdKeys(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	fs.Parse(args)
	if err := needArgs(fs, 1, "keys <owner-id>"); err != nil {
		return err
	}

	keys, err := sc.KeyHistory(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tCREATED\tACTIVE")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%t\n", k.KeyID, k.CreatedAt.Format(time.RFC3339), k.Active)
	}
	return w.Flush()
}

func cmdSign(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	owner := fs.String("owner", "", "signing owner id")
	doc := fs.String("doc", "", "document id")
	docType := fs.String("type", "", "document type")
	fs.Parse(args)
	if err := needArgs(fs, 1, "sign -owner ID [-doc D] <file>"); err != nil {
		return err
	}

	content, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *doc == "" {
		*doc = filepath.Base(fs.Arg(0))
	}
	sig, err := sc.Sign(ctx, content, *owner, domain.SignatureMetadata{DocumentID: *doc, DocumentType: *docType})
	if err != nil {
		return err
	}
	return printJSON(sig)
}

func cmdVerify(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)
	if err := needArgs(fs, 2, "verify <signature-id> <file>"); err != nil {
		return err
	}

	content, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	sig, err := sc.VerifyStored(ctx, fs.Arg(0), content)
	if err != nil {
		return err
	}
	if !sig.IsValid {
		fmt.Println("INVALID")
		return errNegative
	}
	fmt.Printf("VALID: signed by %s at %s\n", sig.OwnerID, sig.Timestamp.Format(time.RFC3339Nano))
	return nil
}

func cmdSigs(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("sigs", flag.ExitOnError)
	owner := fs.String("owner", "", "only this owner")
	doc := fs.String("doc", "", "only this document")
	fs.Parse(args)

	sigs, err := sc.ListSignatures(ctx, domain.SignatureFilter{OwnerID: *owner, DocumentID: *doc})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tDOCUMENT\tTIMESTAMP\tVALID")
	for _, s := range sigs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.ID, s.OwnerID, s.DocumentID, s.Timestamp.Format(time.RFC3339), s.IsValid)
	}
	return w.Flush()
}

func cmdExport(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	format := fs.String("format", core.BundleJSON, "json or pdf-stub")
	out := fs.String("o", "", "output file (default stdout)")
	actor := fs.String("actor", currentUser(), "actor recorded in the audit trail")
	fs.Parse(args)
	if err := needArgs(fs, 1, "export [-format json|pdf-stub] [-o out] <signature-id>"); err != nil {
		return err
	}

	data, err := sc.ExportSignatureBundle(ctx, *actor, fs.Arg(0), *format)
	if err != nil {
		return err
	}
	return writeOutput(*out, data)
}

func cmdWorkflow(ctx context.Context, sc *core.SignatureCore, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: esignctl workflow <start|sign|reject|show|list> ...")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "start":
		fs := flag.NewFlagSet("workflow start", flag.ExitOnError)
		doc := fs.String("doc", "", "document id")
		docType := fs.String("type", "", "document type")
		required := fs.String("required", "", "comma-separated required signer ids")
		optional := fs.String("optional", "", "comma-separated optional signer ids")
		fs.Parse(args)

		wf, err := sc.StartWorkflow(ctx, *doc, *docType, signers(*required), signers(*optional))
		if err != nil {
			return err
		}
		fmt.Printf("Started workflow %s for %s\n", wf.ID, wf.DocumentID)
		return nil

	case "sign":
		fs := flag.NewFlagSet("workflow sign", flag.ExitOnError)
		signerID := fs.String("signer", "", "signer id")
		sigID := fs.String("signature", "", "attach an existing signature instead of signing a file")
		fs.Parse(args)
		if err := needArgs(fs, 1, "workflow sign -signer ID [-signature SIG | <file>] <workflow-id>"); err != nil {
			return err
		}
		wfID := fs.Arg(fs.NArg() - 1)

		var (
			wf  *domain.Workflow
			err error
		)
		if *sigID != "" {
			wf, err = sc.RecordSignature(ctx, wfID, *signerID, *sigID)
		} else {
			if err := needArgs(fs, 2, "workflow sign -signer ID <file> <workflow-id>"); err != nil {
				return err
			}
			content, rerr := os.ReadFile(fs.Arg(0))
			if rerr != nil {
				return rerr
			}
			wf, _, err = sc.SignWorkflow(ctx, wfID, *signerID, content)
		}
		if err != nil {
			return err
		}
		return printWorkflow(wf)

	case "reject":
		fs := flag.NewFlagSet("workflow reject", flag.ExitOnError)
		signerID := fs.String("signer", "", "signer id")
		reason := fs.String("reason", "", "rejection reason")
		fs.Parse(args)
		if err := needArgs(fs, 1, "workflow reject -signer ID [-reason R] <workflow-id>"); err != nil {
			return err
		}
		wf, err := sc.RecordRejection(ctx, fs.Arg(0), *signerID, *reason)
		if err != nil {
			return err
		}
		return printWorkflow(wf)

	case "show":
		if len(args) < 1 {
			return errors.New("usage: esignctl workflow show <workflow-id>")
		}
		wf, err := sc.GetWorkflow(ctx, args[0])
		if err != nil {
			return err
		}
		return printWorkflow(wf)

	case "list":
		fs := flag.NewFlagSet("workflow list", flag.ExitOnError)
		doc := fs.String("doc", "", "only this document")
		fs.Parse(args)
		flows, err := sc.ListWorkflows(ctx, *doc)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tSIGNED\tUPDATED")
		for _, wf := range flows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", wf.ID, wf.DocumentID, wf.Status,
				len(wf.CollectedSignatures), len(wf.RequiredSigners)+len(wf.OptionalSigners), wf.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}
	return fmt.Errorf("unknown workflow command: %s", sub)
}

func signers(list string) []domain.Signer {
	var out []domain.Signer
	for _, id := range splitList(list) {
		out = append(out, domain.Signer{ID: id})
	}
	return out
}

func printWorkflow(wf *domain.Workflow) error {
	fmt.Printf("Workflow %s\n", wf.ID)
	fmt.Printf("  Document: %s\n", wf.DocumentID)
	fmt.Printf("  Status:   %s\n", wf.Status)
	if wf.RejectionReason != "" {
		fmt.Printf("  Reason:   %s\n", wf.RejectionReason)
	}
	for _, group := range []struct {
		label   string
		signers []domain.Signer
	}{{"required", wf.RequiredSigners}, {"optional", wf.OptionalSigners}} {
		for _, s := range group.signers {
			state := "pending"
			if e, ok := wf.Entry(s.ID); ok {
				state = string(e.Status)
			}
			fmt.Printf("  %-8s  %-20s %s\n", group.label, s.ID, state)
		}
	}
	return nil
}

func cmdAccess(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("access", flag.ExitOnError)
	actor := fs.String("actor", currentUser(), "who accessed the document")
	action := fs.String("action", "view", "what they did")
	fs.Parse(args)
	if err := needArgs(fs, 1, "access -actor ID [-action A] <document-id>"); err != nil {
		return err
	}
	return sc.RecordDocumentAccess(ctx, *actor, fs.Arg(0), *action)
}

// auditFlags registers the shared audit filter flags on fs.
func auditFlags(fs *flag.FlagSet) func() audit.Filter {
	types := fs.String("type", "", "comma-separated event types")
	actor := fs.String("actor", "", "actor id")
	subject := fs.String("subject", "", "subject id")
	severity := fs.String("severity", "", "info, warning or error")
	rng := fs.String("range", "", "24h, 7d, 30d or 90d")
	limit := fs.Int("limit", 0, "maximum events")
	return func() audit.Filter {
		f := audit.Filter{
			ActorID:   *actor,
			SubjectID: *subject,
			Severity:  domain.Severity(*severity),
			Range:     *rng,
			Limit:     *limit,
		}
		for _, t := range splitList(*types) {
			f.Types = append(f.Types, domain.EventType(t))
		}
		return f
	}
}

func cmdAudit(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	filter := auditFlags(fs)
	format := fs.String("format", "", "export as json or csv instead of printing a table")
	out := fs.String("o", "", "output file for -format (default stdout)")
	exporter := fs.String("as", currentUser(), "actor recorded for exports")
	fs.Parse(args)

	if *format != "" {
		data, err := sc.ExportAuditLog(ctx, *exporter, filter(), *format)
		if err != nil {
			return err
		}
		return writeOutput(*out, data)
	}

	events, err := sc.AuditEvents(ctx, filter())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tACTOR\tSUBJECT\tDESCRIPTION")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, e.Severity, e.ActorID, e.SubjectID, e.Description)
	}
	return w.Flush()
}

func cmdAnomalies(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("anomalies", flag.ExitOnError)
	filter := auditFlags(fs)
	fs.Parse(args)

	found, err := sc.DetectAnomalies(ctx, filter())
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No anomalies detected.")
		return nil
	}
	for _, a := range found {
		fmt.Printf("[%s] %s: %s (%d events)\n", a.Severity, a.Type, a.Description, a.Count)
	}
	return nil
}

func cmdStats(ctx context.Context, sc *core.SignatureCore, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	filter := auditFlags(fs)
	fs.Parse(args)

	stats, err := sc.AuditStats(ctx, filter())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func cmdChain(ctx context.Context, sc *core.SignatureCore) error {
	report, err := sc.VerifyAuditChain(ctx)
	if err != nil {
		return err
	}
	if !report.Valid {
		fmt.Printf("BROKEN at event %s: %s\n", report.BrokenAt, report.Reason)
		return errNegative
	}
	fmt.Printf("Audit chain intact (%d events)\n", report.Events)
	return nil
}

func cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("o", "", "write the configuration to this path")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *out != "" {
		if err := config.SaveConfig(cfg, *out); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *out)
		return nil
	}
	return printJSON(cfg)
}
