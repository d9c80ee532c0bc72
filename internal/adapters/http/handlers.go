package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/proximity/internal/adapters/featureset"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/histogram"
)

// referenceRequest carries a reference point. lat/lon are used for
// geographic input, x/y when crs=3857.
type referenceRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	X   *float64 `json:"x"`
	Y   *float64 `json:"y"`
}

// SetReferenceHandler moves the reference point and starts a new cycle.
func SetReferenceHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		crs, err := featureset.NormalizeCRS(c.Query("crs"))
		if err != nil {
			return errBadRequest(c, err.Error())
		}

		var req referenceRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}

		var x, y *float64
		if crs == featureset.CRSMercator {
			x, y = req.X, req.Y
		} else {
			x, y = req.Lon, req.Lat
		}
		if x == nil || y == nil {
			if crs == featureset.CRSMercator {
				return errBadRequest(c, "x and y are required")
			}
			return errBadRequest(c, "lat and lon are required")
		}

		p := featureset.ToGeographic(*x, *y, crs)
		if err := deps.Proximity.SetReference(c.UserContext(), p); err != nil {
			return errFromDomain(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":    "accepted",
			"reference": p,
		})
	}
}

// AddTargetsHandler ingests a GeoJSON FeatureCollection of point targets.
// Query: id_field (default from config), crs (4326 or 3857).
func AddTargetsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		idField := c.Query("id_field", deps.IDField)
		targets, err := featureset.Decode(c.Body(), featureset.Options{
			IDField: idField,
			CRS:     c.Query("crs"),
		})
		if err != nil {
			return errBadRequest(c, err.Error())
		}

		added, err := deps.Proximity.AddTargets(c.UserContext(), targets, "http")
		if err != nil {
			return errFromDomain(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"received": len(targets),
			"added":    added,
		})
	}
}

// ClearTargetsHandler resets the engine. purge=true also deletes stored targets.
func ClearTargetsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		purge := c.QueryBool("purge", false)
		if err := deps.Proximity.Clear(c.UserContext(), purge); err != nil {
			return errFromDomain(c, err)
		}
		return c.JSON(fiber.Map{
			"status": "cleared",
			"purged": purge,
		})
	}
}

// RefreshHandler starts a new generation with the current inputs.
func RefreshHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := deps.Proximity.Refresh(c.UserContext()); err != nil {
			return errFromDomain(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	}
}

// LatestHandler returns the latest completed result with its default histogram.
func LatestHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap, err := deps.Proximity.Latest(c.UserContext())
		if err != nil {
			return errFromDomain(c, err)
		}
		c.Set("Cache-Control", "no-cache")
		return c.JSON(snap)
	}
}

// NearTableHandler pages through the latest near-table in target order.
func NearTableHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap, err := deps.Proximity.Latest(c.UserContext())
		if err != nil {
			return errFromDomain(c, err)
		}

		table := snap.Result.NearTable
		pg := parsePage(c, len(table))
		start, end := pg.Window()
		page := table[start:end]
		if page == nil {
			page = []domain.NearRecord{}
		}

		SetLinkHeaders(c, pg)
		c.Set("Cache-Control", "no-cache")
		return c.JSON(PaginatedResponse{Data: page, Pagination: pg})
	}
}

// HistogramHandler re-bins the latest near-table.
// Query: azimuth_step (degrees, 0 < step <= 360), distance_steps (1..100).
// Omitted parameters fall back to the configured defaults.
func HistogramHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		opts, err := histogramOptions(c)
		if err != nil {
			return errBadRequest(c, err.Error())
		}

		h, err := deps.Proximity.Histogram(c.UserContext(), opts)
		if err != nil {
			return errFromDomain(c, err)
		}
		c.Set("Cache-Control", "no-cache")
		return c.JSON(h)
	}
}

func histogramOptions(c *fiber.Ctx) (histogram.Options, error) {
	var opts histogram.Options
	if raw := c.Query("azimuth_step"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 360 {
			return opts, fiber.NewError(fiber.StatusBadRequest, "azimuth_step must be between 0 and 360 degrees")
		}
		opts.AzimuthStep = v
	}
	if raw := c.Query("distance_steps"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			return opts, fiber.NewError(fiber.StatusBadRequest, "distance_steps must be between 1 and 100")
		}
		opts.DistanceSteps = v
	}
	return opts, nil
}

// StateHandler reports the engine state and the last event it emitted.
func StateHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st := deps.Proximity.Status()
		n, err := deps.Proximity.StoredTargets(c.UserContext())
		switch {
		case err == nil:
			st.StoredTargets = &n
		case !errors.Is(err, domain.ErrNotFound):
			LoggerFromCtx(c.UserContext()).Warn("count stored targets failed", "error", err)
		}
		c.Set("Cache-Control", "no-cache")
		return c.JSON(st)
	}
}
