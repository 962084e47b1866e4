// Package etl prepares raw capture dumps for training: it fills in missing
// domains, groups records per classifier unit and writes the group files
// with their index.
package etl

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raaihank/ad-sentinel/internal/artifact"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/segmentio/parquet-go"
	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
)

type groupKey struct {
	value    string
	platform string
}

// decoded is one input record, or the reason it could not be read
type decoded struct {
	rec *flow.Record
	err error
}

// Pipeline turns raw capture files into a training dataset
type Pipeline struct {
	config  Config
	codec   *flow.Codec
	exclude cidranger.Ranger
	logger  *zap.Logger

	groups map[groupKey]flow.Records
	seen   map[string]struct{}
	result *ProcessingResult
}

// NewPipeline creates a new ETL pipeline
func NewPipeline(cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if cfg.SplitKey != "domain" && cfg.SplitKey != "package_name" {
		return nil, fmt.Errorf("unsupported split key: %s", cfg.SplitKey)
	}
	codec, err := flow.NewCodec(cfg.LabelKey)
	if err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range cfg.ExcludeCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid exclude CIDR %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("invalid exclude CIDR %q: %w", cidr, err)
		}
	}

	return &Pipeline{
		config:  cfg,
		codec:   codec,
		exclude: ranger,
		logger:  logger,
	}, nil
}

// Run reads every supported file under inputs (files or directories,
// walked recursively) and writes the prepared dataset into outDir.
func (p *Pipeline) Run(ctx context.Context, inputs []string, outDir string) (*ProcessingResult, error) {
	start := time.Now()
	p.groups = make(map[groupKey]flow.Records)
	p.seen = make(map[string]struct{})
	p.result = &ProcessingResult{}

	files, err := collectFiles(inputs)
	if err != nil {
		return nil, err
	}
	p.result.Files = len(files)
	p.logger.Info("Starting ETL pipeline",
		zap.Int("files", len(files)),
		zap.String("split_key", p.config.SplitKey),
		zap.Int("workers", p.config.Workers))

	// files are read in parallel and merged in path order, so duplicates
	// resolve the same way on every run
	perFile := make([][]decoded, len(files))
	fileErrs := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			items, err := p.processFile(gctx, file)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				fileErrs[i] = err
			}
			perFile[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.result, err
	}

	for i, items := range perFile {
		if fileErrs[i] != nil {
			p.logger.Error("Failed to process file", zap.String("file", files[i]), zap.Error(fileErrs[i]))
			p.result.Errors = append(p.result.Errors, fmt.Sprintf("%s: %v", files[i], fileErrs[i]))
		}
		for _, item := range items {
			p.add(item.rec, item.err)
		}
	}

	if err := p.write(outDir); err != nil {
		return p.result, err
	}
	p.result.Duration = time.Since(start)

	p.logger.Info("ETL pipeline completed",
		zap.Int64("records", p.result.Records),
		zap.Int64("kept", p.result.Kept),
		zap.Int64("invalid", p.result.Invalid),
		zap.Int64("excluded", p.result.Excluded),
		zap.Int64("duplicates", p.result.Duplicates),
		zap.Int("groups", p.result.Groups),
		zap.Duration("duration", p.result.Duration))

	return p.result, nil
}

// processFile decodes every record of one file. Records read before a
// file-level failure are kept.
func (p *Pipeline) processFile(ctx context.Context, path string) ([]decoded, error) {
	p.logger.Debug("Reading capture file", zap.String("file", path))
	switch DetectFileFormat(path) {
	case FormatJSON:
		return p.processJSON(ctx, path)
	case FormatJSONL:
		return p.processJSONL(ctx, path)
	case FormatParquet:
		return p.processParquet(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", path)
	}
}

// processJSON reads an object of id -> record
func (p *Pipeline) processJSON(ctx context.Context, path string) ([]decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]decoded, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		rec, err := p.codec.DecodeRecord(id, raw[id])
		items = append(items, decoded{rec, err})
	}
	return items, nil
}

// processJSONL reads one record per line. Lines without an id get the hash
// of their content.
func (p *Pipeline) processJSONL(ctx context.Context, path string) ([]decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []decoded
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			items = append(items, decoded{err: fmt.Errorf("invalid line: %w", err)})
			continue
		}
		if head.ID == "" {
			head.ID = computeHash(line)
		}
		rec, err := p.codec.DecodeRecord(head.ID, line)
		items = append(items, decoded{rec, err})
	}
	return items, scanner.Err()
}

// processParquet reads parquetRow rows
func (p *Pipeline) processParquet(ctx context.Context, path string) ([]decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewReader(f)
	defer reader.Close()

	var items []decoded
	for {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		var row parquetRow
		err := reader.Read(&row)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return items, fmt.Errorf("failed to read Parquet row: %w", err)
		}
		rec, err := p.fromParquet(&row)
		items = append(items, decoded{rec, err})
	}
}

func (p *Pipeline) fromParquet(row *parquetRow) (*flow.Record, error) {
	id := row.ID
	if id == "" {
		id = computeHash([]byte(row.Host + row.URI + row.Headers))
	}
	if row.Label != flow.Negative && row.Label != flow.Positive {
		return nil, fmt.Errorf("record %s: invalid label %d", id, row.Label)
	}
	rec := &flow.Record{
		ID:          id,
		Label:       row.Label,
		Domain:      row.Domain,
		Host:        row.Host,
		PackageName: row.PackageName,
		Platform:    row.Platform,
		URI:         row.URI,
		DstIP:       row.DstIP,
		DstPort:     row.DstPort,
	}
	if row.Headers != "" {
		if err := json.Unmarshal([]byte(row.Headers), &rec.Headers); err != nil {
			return nil, fmt.Errorf("record %s: invalid headers: %w", id, err)
		}
	}
	for _, t := range strings.Split(row.PIITypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			rec.PIITypes = append(rec.PIITypes, t)
		}
	}
	return rec, nil
}

// add normalises a decoded record and files it under its group
func (p *Pipeline) add(rec *flow.Record, err error) {
	p.result.Records++
	if err != nil {
		p.result.Invalid++
		p.logger.Debug("Invalid record", zap.Error(err))
		return
	}

	if p.excluded(rec.DstIP) {
		p.result.Excluded++
		return
	}
	if _, dup := p.seen[rec.ID]; dup {
		p.result.Duplicates++
		return
	}
	if rec.Domain == "" && rec.Host != "" {
		rec.Domain = registrableDomain(rec.Host)
		p.result.Filled++
	}
	if rec.Platform == "" {
		rec.Platform = p.config.Platform
	}

	value := rec.Domain
	if p.config.SplitKey == "package_name" {
		value = rec.PackageName
	}
	if value == "" {
		p.result.Invalid++
		p.logger.Debug("Record without split value", zap.String("id", rec.ID))
		return
	}

	p.seen[rec.ID] = struct{}{}

	key := groupKey{value: value, platform: rec.Platform}
	if p.groups[key] == nil {
		p.groups[key] = make(flow.Records)
	}
	p.groups[key][rec.ID] = rec
	p.result.Kept++
	if rec.Label == flow.Positive {
		p.result.Positive++
	}
}

func (p *Pipeline) excluded(ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	ok, err := p.exclude.Contains(parsed)
	return err == nil && ok
}

// write stores one file per group, one general group per platform and the
// index describing them all.
func (p *Pipeline) write(outDir string) error {
	idx := make(flow.Index)
	general := make(map[string]flow.Records)

	for key, records := range p.groups {
		name := fileName(flow.UnitName(key.value, key.platform))
		if err := p.writeGroup(outDir, name, records); err != nil {
			return err
		}
		idx[name] = groupInfo(name, key.value, key.platform, records)

		if general[key.platform] == nil {
			general[key.platform] = make(flow.Records)
		}
		for id, rec := range records {
			general[key.platform][id] = rec
		}
	}

	for platform, records := range general {
		name := fileName(flow.UnitName(p.config.GeneralGroup, platform))
		if _, clash := idx[name]; clash {
			return fmt.Errorf("group %s collides with the general group", name)
		}
		if err := p.writeGroup(outDir, name, records); err != nil {
			return err
		}
		idx[name] = groupInfo(name, p.config.GeneralGroup, platform, records)
	}

	if err := artifact.Write(filepath.Join(outDir, p.config.IndexFile), func(w io.Writer) error {
		return flow.EncodeIndex(w, idx, p.config.SplitKey)
	}); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	p.result.Groups = len(p.groups)
	return nil
}

func (p *Pipeline) writeGroup(outDir, name string, records flow.Records) error {
	err := artifact.Write(filepath.Join(outDir, name), func(w io.Writer) error {
		return p.codec.EncodeGroup(w, records)
	})
	if err != nil {
		return fmt.Errorf("failed to write group %s: %w", name, err)
	}
	return nil
}

func groupInfo(name, value, platform string, records flow.Records) flow.GroupInfo {
	counts := records.Count()
	return flow.GroupInfo{
		Key:         name,
		Value:       value,
		Platform:    platform,
		NumSamples:  counts.Total(),
		NumPositive: counts.Positive,
	}
}

// registrableDomain returns the eTLD+1 of host. Hosts without one, such as
// IP addresses or single labels, are returned unchanged.
func registrableDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func fileName(unit string) string {
	return strings.ReplaceAll(unit, string(filepath.Separator), "_") + ".json"
}

// collectFiles expands directories into the supported files they contain
func collectFiles(inputs []string) ([]string, error) {
	var files []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, in)
			continue
		}
		err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && DetectFileFormat(path) != FormatUnknown {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// computeHash names records that arrive without an id
func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
