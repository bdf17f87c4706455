package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cwygoda/imscraper/internal/adapter/memory"
	"github.com/cwygoda/imscraper/internal/adapter/spreadsheet"
	"github.com/cwygoda/imscraper/internal/config"
	"github.com/cwygoda/imscraper/internal/domain"
)

var (
	scanDomainsFile string
	scanProviders   string
	scanOutput      string
)

var scanCmd = &cobra.Command{
	Use:   "scan [domain...]",
	Short: "Run one job in the foreground and write the spreadsheet locally",
	Long: `Run one job in the foreground without the HTTP server.

Domains come from --domains (one per line, # starts a comment) and from
the arguments. Credentials are read from the environment or a .env file:
AHREFS_API_KEY, MAJESTIC_API_KEY, DATAFORSEO_LOGIN and DATAFORSEO_PASSWORD
(or DATAFORSEO_API_KEY as "login:password").`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanDomainsFile, "domains", "d", "", "file with one domain per line")
	scanCmd.Flags().StringVar(&scanProviders, "providers", "majestic,ahrefs,dataforseo", "comma-separated providers to query")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "results.xlsx", "where to write the spreadsheet")
}

// rowCapture keeps the rows it writes so the summary can show them.
type rowCapture struct {
	domain.ArtifactWriter
	rows []domain.ResultRow
}

func (c *rowCapture) Write(ctx context.Context, jobID string, rows []domain.ResultRow) (string, error) {
	c.rows = append([]domain.ResultRow(nil), rows...)
	domain.SortRows(c.rows)
	return c.ArtifactWriter.Write(ctx, jobID, rows)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	domains := append([]string(nil), args...)
	if scanDomainsFile != "" {
		fromFile, err := readDomains(scanDomainsFile)
		if err != nil {
			return err
		}
		domains = append(domains, fromFile...)
	}
	providers, err := domain.ParseProviderSet(scanProviders)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "imscraper-scan-")
	if err != nil {
		return errors.Wrap(err, "create work dir")
	}
	defer os.RemoveAll(workDir)
	cfg.Storage.DataDir = workDir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := domain.NewJobService(memory.New(), domain.NewCredentialVault())
	capture := &rowCapture{ArtifactWriter: spreadsheet.NewWriter(workDir, log)}
	runner := newRunner(cfg, svc, capture, log)

	job, err := svc.Submit(ctx, domain.JobRequest{
		Domains:     domains,
		Providers:   providers,
		Credentials: config.CredentialsFromEnv(),
	})
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Collecting metrics for ", len(job.Domains), " domains...")
	runErr := runner.Run(ctx, job.ID)
	if spinner != nil {
		spinner.Stop()
	}
	if runErr != nil {
		return runErr
	}

	job, err = svc.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusDone {
		pterm.Error.Printfln("Job %s: %s", job.ErrorKind, job.Error)
		return errors.Newf("job %s", job.Status)
	}

	if err := copyFile(job.ArtifactPath, scanOutput); err != nil {
		return err
	}
	printSummary(capture.rows)
	pterm.Success.Printfln("Wrote %d rows to %s", len(capture.rows), scanOutput)
	return nil
}

func readDomains(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open artifact %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy to %s", dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

func printSummary(rows []domain.ResultRow) {
	data := pterm.TableData{{"Domain", "Status", "HTTPS", "Failed providers"}}
	for _, row := range rows {
		https := ""
		if row.Reachability.HTTPS != nil {
			https = domain.BoolValue(*row.Reachability.HTTPS).String()
		}
		var failed []string
		for _, p := range domain.AllProviders {
			rec, ok := row.Records[p]
			if !ok {
				continue
			}
			switch rec.Outcome {
			case domain.OutcomeOK, domain.OutcomeNotRequested:
			default:
				failed = append(failed, string(p)+" ("+string(rec.Outcome)+")")
			}
		}
		data = append(data, []string{row.Domain, spreadsheet.FormatStatus(row), https, strings.Join(failed, ", ")})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
