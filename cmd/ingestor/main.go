package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samirrijal/proximity/internal/adapters/featureset"
	natsadapter "github.com/samirrijal/proximity/internal/adapters/nats"
	"github.com/samirrijal/proximity/internal/adapters/postgres"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/config"
	"github.com/samirrijal/proximity/internal/pkg/logging"
)

// ---------------------------------------------------------------------------
// Manifest types
// ---------------------------------------------------------------------------

// Manifest lists the target layers to load.
type Manifest struct {
	Source string       `json:"source"`
	Layers []LayerEntry `json:"layers"`
}

// LayerEntry is one target source. Path wins over URL when both are set.
type LayerEntry struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
	Format  string `json:"format,omitempty"` // geojson (default) | csv
	IDField string `json:"id_field,omitempty"`
	CRS     string `json:"crs,omitempty"`
}

const batchSize = 1000

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	manifestPath := flag.String("manifest", "manifest.json", "layer manifest")
	only := flag.String("layers", "", "comma separated layer names to load (default all)")
	publish := flag.Bool("publish", false, "also publish loaded targets on proximity.input.targets")
	flag.Parse()

	cfg, err := config.Load("proximity-ingestor")
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format).With("component", "ingestor")

	ctx := context.Background()

	db, err := postgres.New(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		log.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := postgres.NewTargetRepo(db, cfg.Proximity.TargetsTable)

	var pub *natsadapter.Publisher
	if *publish {
		codec, err := natsadapter.NewCodec(cfg.NATS.Encoding)
		if err != nil {
			log.Error("nats codec", "error", err)
			os.Exit(1)
		}
		pub, err = natsadapter.NewPublisher(cfg.NATS.URL, codec)
		if err != nil {
			log.Error("nats", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
	}

	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Error("read manifest", "error", err)
		os.Exit(1)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Error("parse manifest", "error", err)
		os.Exit(1)
	}
	log.Info("loading target layers", "layers", len(manifest.Layers), "source", manifest.Source)

	filter := map[string]bool{}
	for _, name := range strings.Split(*only, ",") {
		if name = strings.TrimSpace(name); name != "" {
			filter[name] = true
		}
	}

	client := &http.Client{Timeout: 120 * time.Second}

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	sem := make(chan struct{}, 4) // max 4 concurrent layers

	for _, layer := range manifest.Layers {
		if len(filter) > 0 && !filter[layer.Name] {
			continue
		}
		if layer.IDField == "" {
			layer.IDField = cfg.Proximity.IDField
		}

		wg.Add(1)
		go func(l LayerEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			n, err := ingestLayer(ctx, client, repo, pub, l)
			if err != nil {
				log.Error("layer failed", "layer", l.Name, "error", err)
				failed.Add(1)
				return
			}
			log.Info("layer loaded", "layer", l.Name, "targets", n)
		}(layer)
	}

	wg.Wait()

	if n := failed.Load(); n > 0 {
		log.Error("ingestion finished with failures", "failed_layers", n)
		os.Exit(1)
	}
	log.Info("ingestion complete")
}

// ---------------------------------------------------------------------------
// Per-layer ingestion
// ---------------------------------------------------------------------------

type targetStore interface {
	UpsertBatch(ctx context.Context, layer string, targets []domain.Target) error
}

type targetPublisher interface {
	PublishTargets(ctx context.Context, targets []domain.Target) error
}

func ingestLayer(ctx context.Context, client *http.Client, repo targetStore, pub *natsadapter.Publisher, layer LayerEntry) (int, error) {
	body, err := openLayer(ctx, client, layer)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var targets []domain.Target
	switch strings.ToLower(layer.Format) {
	case "", "geojson":
		data, err := io.ReadAll(body)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		targets, err = featureset.Decode(data, featureset.Options{IDField: layer.IDField, CRS: layer.CRS})
		if err != nil {
			return 0, err
		}
	case "csv":
		targets, err = readCSV(body, layer)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown format %q", layer.Format)
	}

	var p targetPublisher
	if pub != nil {
		p = pub
	}
	return storeTargets(ctx, repo, p, layer.Name, targets)
}

func openLayer(ctx context.Context, client *http.Client, layer LayerEntry) (io.ReadCloser, error) {
	if layer.Path != "" {
		return os.Open(layer.Path)
	}
	if layer.URL == "" {
		return nil, errors.New("layer has neither path nor url")
	}

	slog.Info("downloading layer", "layer", layer.Name, "url", layer.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layer.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, layer.URL)
	}
	return resp.Body, nil
}

// storeTargets upserts targets in batches and optionally publishes each batch.
func storeTargets(ctx context.Context, repo targetStore, pub targetPublisher, layer string, targets []domain.Target) (int, error) {
	total := 0
	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		if err := repo.UpsertBatch(ctx, layer, batch); err != nil {
			return total, fmt.Errorf("upsert batch at %d: %w", start, err)
		}
		if pub != nil {
			if err := pub.PublishTargets(ctx, batch); err != nil {
				return total, fmt.Errorf("publish batch at %d: %w", start, err)
			}
		}
		total += len(batch)
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// CSV layers: header row with the id field plus lat/lon (or x/y) columns
// ---------------------------------------------------------------------------

func readCSV(r io.Reader, layer LayerEntry) ([]domain.Target, error) {
	crs, err := featureset.NormalizeCRS(layer.CRS)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := indexColumns(header)

	idCol, ok := cols[strings.ToLower(layer.IDField)]
	if !ok {
		return nil, fmt.Errorf("missing id column %q", layer.IDField)
	}
	xCol, yCol, ok := coordinateColumns(cols)
	if !ok {
		return nil, errors.New("missing coordinate columns (lat/lon or x/y)")
	}

	var targets []domain.Target
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			slog.Warn("skipping unreadable row", "layer", layer.Name, "line", line, "error", err)
			continue
		}

		x, errX := strconv.ParseFloat(strings.TrimSpace(record[xCol]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(record[yCol]), 64)
		id := strings.TrimSpace(record[idCol])
		if errX != nil || errY != nil || id == "" {
			slog.Warn("skipping invalid row", "layer", layer.Name, "line", line)
			continue
		}

		loc := featureset.ToGeographic(x, y, crs)
		if !loc.Valid() {
			slog.Warn("skipping out of range row", "layer", layer.Name, "line", line)
			continue
		}
		targets = append(targets, domain.Target{ID: id, Location: loc})
	}
	return targets, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		// Strip BOM from first column
		h = strings.TrimPrefix(h, "\ufeff")
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

func coordinateColumns(cols map[string]int) (x, y int, ok bool) {
	pairs := [][2]string{{"lon", "lat"}, {"longitude", "latitude"}, {"x", "y"}}
	for _, p := range pairs {
		xi, okX := cols[p[0]]
		yi, okY := cols[p[1]]
		if okX && okY {
			return xi, yi, true
		}
	}
	return 0, 0, false
}
