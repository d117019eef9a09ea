package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	batchSize     = 5_000
	// A file bitmask is a uint.
	maxFiles = bits.UintSize
)

type options struct {
	discountID        string
	minFiles          int
	minLen            int
	maxLen            int
	capacity          uint
	usageLimit        int
	usageLimitPerUser int
	expiresAt         string
	files             []string
}

func main() {
	var (
		opts        options
		databaseURL string
	)

	flag.StringVar(&opts.discountID, "discount-id", "", "discount the codes are attached to")
	flag.IntVar(&opts.minFiles, "min-files", 1, "keep codes that appear in at least this many files")
	flag.IntVar(&opts.minLen, "min-len", 4, "minimum code length")
	flag.IntVar(&opts.maxLen, "max-len", 32, "maximum code length")
	flag.UintVar(&opts.capacity, "bloom-capacity", 120_000_000, "expected codes per file")
	flag.IntVar(&opts.usageLimit, "usage-limit", 0, "total uses per code, 0 for unlimited")
	flag.IntVar(&opts.usageLimitPerUser, "usage-limit-per-user", 0, "uses per customer per code, 0 for unlimited")
	flag.StringVar(&opts.expiresAt, "expires-at", "", "RFC3339 code expiry")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] FILE.gz...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	opts.files = flag.Args()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if err := opts.validate(); err != nil {
		slog.Error("invalid arguments", slog.String("error", err.Error()))
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, databaseURL); err != nil {
		slog.Error("code ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code ingest completed successfully")
}

func (o options) validate() error {
	switch {
	case o.discountID == "":
		return errors.New("--discount-id is required")
	case len(o.files) == 0:
		return errors.New("at least one file is required")
	case len(o.files) > maxFiles:
		return errors.Errorf("at most %d files are supported", maxFiles)
	case o.minFiles < 1 || o.minFiles > len(o.files):
		return errors.Errorf("--min-files must be between 1 and %d", len(o.files))
	case o.minLen < 1 || o.maxLen < o.minLen:
		return errors.New("--min-len and --max-len must form a non-empty range")
	case o.usageLimit < 0 || o.usageLimitPerUser < 0:
		return errors.New("usage limits must not be negative")
	}
	return nil
}

// normalize returns the stored form of a code and whether it passes the
// length filter.
func (o options) normalize(line string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(line))
	return code, len(code) >= o.minLen && len(code) <= o.maxLen
}

func run(ctx context.Context, opts options, databaseURL string) error {
	for _, f := range opts.files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	var expiresAt *time.Time
	if opts.expiresAt != "" {
		t, err := time.Parse(time.RFC3339, opts.expiresAt)
		if err != nil {
			return errors.Wrap(err, "parse --expires-at")
		}
		expiresAt = &t
	}

	var (
		codes []string
		err   error
	)
	if opts.minFiles <= 1 {
		slog.Info("collecting codes", slog.Int("files", len(opts.files)))
		codes, err = collectCodes(ctx, opts)
	} else {
		// Pass 1: Build bloom filters concurrently.
		slog.Info("pass 1: building bloom filters", slog.Int("files", len(opts.files)))

		var filters []*bloom.BloomFilter
		filters, err = buildBloomFilters(ctx, opts)
		if err != nil {
			return errors.Wrap(err, "build bloom filters")
		}

		// Pass 2: Find codes appearing in enough files.
		slog.Info("pass 2: finding candidate codes", slog.Int("min_files", opts.minFiles))
		codes, err = findSharedCodes(ctx, opts, filters)
	}
	if err != nil {
		return errors.Wrap(err, "select codes")
	}

	slog.Info("codes selected", slog.Int("count", len(codes)))

	if len(codes) == 0 {
		slog.Info("no codes to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	discounts := repository.NewDiscountRepository(pool)
	d, err := discounts.Get(ctx, opts.discountID)
	if err != nil {
		return errors.Wrapf(err, "load discount %s", opts.discountID)
	}
	if !d.RequiresCode {
		slog.Warn("discount does not require a code; imported codes only add limits",
			slog.String("discount_id", d.ID),
		)
	}

	return writeCodes(ctx, discounts, discount.CodeBatch{
		DiscountID:        d.ID,
		Codes:             codes,
		UsageLimit:        opts.usageLimit,
		UsageLimitPerUser: opts.usageLimitPerUser,
		ExpiresAt:         expiresAt,
	})
}

// collectCodes returns the distinct codes of all files.
func collectCodes(ctx context.Context, opts options) ([]string, error) {
	sets := make([]map[string]struct{}, len(opts.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range opts.files {
		g.Go(func() error {
			set := make(map[string]struct{})
			if err := streamGzFile(ctx, f, func(line string) {
				if code, ok := opts.normalize(line); ok {
					set[code] = struct{}{}
				}
			}); err != nil {
				return errors.Wrapf(err, "collect file %d", i+1)
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]struct{})
	for _, set := range sets {
		for code := range set {
			merged[code] = struct{}{}
		}
	}
	codes := make([]string, 0, len(merged))
	for code := range merged {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, opts options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(opts.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range opts.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.capacity, bloomFPR)
			var count uint64

			if err := streamGzFile(ctx, f, func(line string) {
				code, ok := opts.normalize(line)
				if !ok {
					return
				}
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}

			slog.Info("pass 1 complete", slog.Int("file", i+1), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findSharedCodes re-streams each file and keeps codes that the other files'
// filters also report, then drops those seen in fewer than minFiles files.
// Bloom false positives only widen the candidate set; the final count uses
// the exact per-file bits.
func findSharedCodes(ctx context.Context, opts options, filters []*bloom.BloomFilter) ([]string, error) {
	results := make([]map[string]uint, len(opts.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range opts.files {
		g.Go(func() error {
			candidates := make(map[string]uint)
			fileBit := uint(1) << uint(i)
			var count uint64

			if err := streamGzFile(ctx, f, func(line string) {
				code, ok := opts.normalize(line)
				if !ok {
					return
				}

				count++
				if count%progressEvery == 0 {
					slog.Info("pass 2 progress", slog.Int("file", i+1), slog.Uint64("codes", count))
				}

				others := 0
				for j, bf := range filters {
					if j != i && bf.TestString(code) {
						others++
					}
				}
				if others+1 >= opts.minFiles {
					candidates[code] |= fileBit
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d for candidates", i+1)
			}

			slog.Info("pass 2 complete",
				slog.Int("file", i+1),
				slog.Uint64("total_codes", count),
				slog.Int("candidates", len(candidates)),
			)
			results[i] = candidates
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeMasks(results, opts.minFiles), nil
}

// mergeMasks ORs the per-file bitmasks and keeps codes present in at least
// minFiles files, sorted.
func mergeMasks(results []map[string]uint, minFiles int) []string {
	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}

	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= minFiles {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// codeWriter persists imported codes.
type codeWriter interface {
	ImportCodes(ctx context.Context, b discount.CodeBatch) (int64, error)
}

// writeCodes inserts the codes in fixed-size batches.
func writeCodes(ctx context.Context, w codeWriter, b discount.CodeBatch) error {
	slog.Info("writing codes to database", slog.Int("count", len(b.Codes)))

	var inserted int64
	for chunk := range slices.Chunk(b.Codes, batchSize) {
		part := b
		part.Codes = chunk
		n, err := w.ImportCodes(ctx, part)
		if err != nil {
			return errors.Wrap(err, "import codes")
		}
		inserted += n
		slog.Info("write progress", slog.Int64("inserted", inserted), slog.Int("total", len(b.Codes)))
	}

	slog.Info("codes written",
		slog.Int64("inserted", inserted),
		slog.Int64("skipped", int64(len(b.Codes))-inserted),
	)
	return nil
}
