package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/samirrijal/proximity/internal/adapters/featureset"
	natsadapter "github.com/samirrijal/proximity/internal/adapters/nats"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/config"
	"github.com/samirrijal/proximity/internal/pkg/geospatial"
	"github.com/samirrijal/proximity/internal/pkg/logging"
)

// The realtime poller follows a live position feed and publishes the
// reference point on proximity.input.reference whenever it moves.

func main() {
	feedURL := flag.String("url", "", "position feed returning a GeoJSON Point/Feature or {\"lat\",\"lon\"}")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	minMove := flag.Float64("min-move", 10, "minimum movement in meters before publishing")
	crs := flag.String("crs", "", "coordinate system of the feed, 4326 or 3857")
	flag.Parse()

	cfg, err := config.Load("proximity-realtime")
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format).With("component", "realtime")

	if *feedURL == "" {
		log.Error("-url is required")
		os.Exit(2)
	}
	crsCode, err := featureset.NormalizeCRS(*crs)
	if err != nil {
		log.Error("crs", "error", err)
		os.Exit(2)
	}

	codec, err := natsadapter.NewCodec(cfg.NATS.Encoding)
	if err != nil {
		log.Error("nats codec", "error", err)
		os.Exit(1)
	}
	pub, err := natsadapter.NewPublisher(cfg.NATS.URL, codec)
	if err != nil {
		log.Error("nats", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &poller{
		client:  &http.Client{Timeout: 30 * time.Second},
		url:     *feedURL,
		crs:     crsCode,
		minMove: *minMove,
		pub:     pub,
		log:     log,
	}

	log.Info("polling position feed", "url", *feedURL, "interval", interval.String())
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			log.Info("shutting down realtime poller")
			return
		}
	}
}

type referencePublisher interface {
	PublishReference(ctx context.Context, p domain.GeoPoint) error
}

type poller struct {
	client  *http.Client
	url     string
	crs     string
	minMove float64
	pub     referencePublisher
	log     *slog.Logger

	last *domain.GeoPoint
}

func (p *poller) poll(ctx context.Context) {
	pt, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("poll failed", "error", err)
		return
	}
	if err := p.observe(ctx, pt); err != nil {
		p.log.Warn("publish reference failed", "error", err)
	}
}

// observe publishes pt unless it lies within minMove meters of the last
// published position.
func (p *poller) observe(ctx context.Context, pt domain.GeoPoint) error {
	attrs := []any{"lat", pt.Lat, "lon", pt.Lon}
	if p.last != nil {
		moved := geospatial.Haversine(p.last.Lat, p.last.Lon, pt.Lat, pt.Lon)
		if moved < p.minMove {
			return nil
		}
		heading := geospatial.Bearing(p.last.Lat, p.last.Lon, pt.Lat, pt.Lon)
		attrs = append(attrs, "moved_m", moved, "heading", heading)
	}
	if err := p.pub.PublishReference(ctx, pt); err != nil {
		return err
	}
	p.last = &pt
	p.log.Info("reference published", attrs...)
	return nil
}

func (p *poller) fetch(ctx context.Context) (domain.GeoPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return domain.GeoPoint{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("GET %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.GeoPoint{}, fmt.Errorf("HTTP %d for %s", resp.StatusCode, p.url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.GeoPoint{}, fmt.Errorf("read body: %w", err)
	}
	return parsePosition(body, p.crs)
}

// parsePosition accepts a GeoJSON Point, a Feature with a Point geometry, or
// a plain {"lat":..,"lon":..} object.
func parsePosition(data []byte, crs string) (domain.GeoPoint, error) {
	var head struct {
		Type string   `json:"type"`
		Lat  *float64 `json:"lat"`
		Lon  *float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return domain.GeoPoint{}, fmt.Errorf("decode position: %w", err)
	}

	var geom orb.Geometry
	switch head.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return domain.GeoPoint{}, err
		}
		geom = f.Geometry
	case "Point":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return domain.GeoPoint{}, err
		}
		geom = g.Geometry()
	case "":
		if head.Lat == nil || head.Lon == nil {
			return domain.GeoPoint{}, errors.New("position has no lat/lon")
		}
		pt := domain.GeoPoint{Lat: *head.Lat, Lon: *head.Lon}
		if !pt.Valid() {
			return domain.GeoPoint{}, errors.New("position out of range")
		}
		return pt, nil
	default:
		return domain.GeoPoint{}, fmt.Errorf("unsupported position type %q", head.Type)
	}

	op, ok := geom.(orb.Point)
	if !ok {
		return domain.GeoPoint{}, errors.New("position geometry must be a Point")
	}
	pt := featureset.ToGeographic(op.X(), op.Y(), crs)
	if !pt.Valid() {
		return domain.GeoPoint{}, errors.New("position out of range")
	}
	return pt, nil
}
