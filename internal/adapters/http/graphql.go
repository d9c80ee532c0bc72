package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/histogram"
)

// buildSchema creates the GraphQL schema wired to the proximity service.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	geoPointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeoPoint",
		Fields: graphql.Fields{
			"lat": &graphql.Field{Type: graphql.Float},
			"lon": &graphql.Field{Type: graphql.Float},
		},
	})

	nearRecordType := graphql.NewObject(graphql.ObjectConfig{
		Name: "NearRecord",
		Fields: graphql.Fields{
			"target_id":       &graphql.Field{Type: graphql.String},
			"distance_meters": &graphql.Field{Type: graphql.Float},
			"forward_azimuth": &graphql.Field{Type: graphql.Float},
			"reverse_azimuth": &graphql.Field{Type: graphql.Float},
		},
	})

	cellType := graphql.NewObject(graphql.ObjectConfig{
		Name: "HistogramCell",
		Fields: graphql.Fields{
			"azimuth":   &graphql.Field{Type: graphql.Float},
			"distance":  &graphql.Field{Type: graphql.Float},
			"count":     &graphql.Field{Type: graphql.Int},
			"intensity": &graphql.Field{Type: graphql.Float},
			"label":     &graphql.Field{Type: graphql.String},
		},
	})

	histogramType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Histogram",
		Fields: graphql.Fields{
			"azimuth_step":      &graphql.Field{Type: graphql.Float},
			"distance_step":     &graphql.Field{Type: graphql.Float},
			"distance_steps":    &graphql.Field{Type: graphql.Int},
			"max_radius_meters": &graphql.Field{Type: graphql.Float},
			"peak":              &graphql.Field{Type: graphql.Int},
			"total":             &graphql.Field{Type: graphql.Int},
			"cells":             &graphql.Field{Type: graphql.NewList(cellType)},
			"count": &graphql.Field{
				Type:        graphql.Int,
				Description: "Frequency of the cell starting at (azimuth, distance)",
				Args: graphql.FieldConfigArgument{
					"azimuth":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"distance": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					az, _ := p.Args["azimuth"].(float64)
					d, _ := p.Args["distance"].(float64)
					switch h := p.Source.(type) {
					case domain.Histogram:
						return histogram.Count(h, az, d), nil
					case *domain.Histogram:
						return histogram.Count(*h, az, d), nil
					}
					return nil, nil
				},
			},
		},
	})

	histogramArgs := graphql.FieldConfigArgument{
		"azimuth_step":   &graphql.ArgumentConfig{Type: graphql.Float},
		"distance_steps": &graphql.ArgumentConfig{Type: graphql.Int},
	}

	proximityType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Proximity",
		Fields: graphql.Fields{
			"generation":        &graphql.Field{Type: graphql.Int},
			"reference":         &graphql.Field{Type: geoPointType},
			"max_radius_meters": &graphql.Field{Type: graphql.Float},
			"elapsed_time_ms":   &graphql.Field{Type: graphql.Int},
			"workers":           &graphql.Field{Type: graphql.Int},
			"targets_scanned":   &graphql.Field{Type: graphql.Int},
			"updated_at":        &graphql.Field{Type: graphql.String},
			"near_table": &graphql.Field{
				Type:        graphql.NewList(nearRecordType),
				Description: "Near records in target order",
				Args: graphql.FieldConfigArgument{
					"offset": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 0},
					"limit":  &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 100},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					snap := p.Source.(map[string]interface{})["snapshot"].(*domain.ProximitySnapshot)
					offset, _ := p.Args["offset"].(int)
					limit, _ := p.Args["limit"].(int)
					table := snap.Result.NearTable
					if offset < 0 || offset >= len(table) || limit <= 0 {
						return []domain.NearRecord{}, nil
					}
					end := offset + limit
					if end > len(table) {
						end = len(table)
					}
					return table[offset:end], nil
				},
			},
			"histogram": &graphql.Field{
				Type:        histogramType,
				Description: "Direction by distance frequency grid",
				Args:        histogramArgs,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					snap := p.Source.(map[string]interface{})["snapshot"].(*domain.ProximitySnapshot)
					opts, err := histogramArgsOptions(p.Args)
					if err != nil {
						return nil, err
					}
					if opts == (histogram.Options{}) {
						return snap.Histogram, nil
					}
					return deps.Proximity.Histogram(p.Context, opts)
				},
			},
		},
	})

	stateType := graphql.NewObject(graphql.ObjectConfig{
		Name: "EngineState",
		Fields: graphql.Fields{
			"state":             &graphql.Field{Type: graphql.String},
			"session":           &graphql.Field{Type: graphql.Int},
			"generation":        &graphql.Field{Type: graphql.Int},
			"reference":         &graphql.Field{Type: geoPointType},
			"targets":           &graphql.Field{Type: graphql.Int},
			"max_radius_meters": &graphql.Field{Type: graphql.Float},
			"workers":           &graphql.Field{Type: graphql.Int},
			"last_event":        &graphql.Field{Type: graphql.String, Description: "Kind of the last emitted event"},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"proximity": &graphql.Field{
				Type:        proximityType,
				Description: "Latest completed proximity result, null before the first cycle",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					snap, err := deps.Proximity.Latest(p.Context)
					if errors.Is(err, domain.ErrNotFound) {
						return nil, nil
					}
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{
						"snapshot":          snap,
						"generation":        int(snap.Result.Generation),
						"reference":         snap.Result.Reference,
						"max_radius_meters": snap.Result.MaxRadius,
						"elapsed_time_ms":   int(snap.Result.ElapsedTimeMs),
						"workers":           snap.Result.Workers,
						"targets_scanned":   snap.Result.TargetsScanned,
						"updated_at":        snap.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
					}, nil
				},
			},
			"histogram": &graphql.Field{
				Type:        histogramType,
				Description: "Re-binned histogram of the latest result",
				Args:        histogramArgs,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					opts, err := histogramArgsOptions(p.Args)
					if err != nil {
						return nil, err
					}
					h, err := deps.Proximity.Histogram(p.Context, opts)
					if errors.Is(err, domain.ErrNotFound) {
						return nil, nil
					}
					return h, err
				},
			},
			"state": &graphql.Field{
				Type:        stateType,
				Description: "Current engine state",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					st := deps.Proximity.Status()
					m := map[string]interface{}{
						"state":             st.State,
						"session":           int(st.Session),
						"generation":        int(st.Generation),
						"targets":           st.Targets,
						"max_radius_meters": st.MaxRadius,
						"workers":           st.Workers,
					}
					if st.Reference != nil {
						m["reference"] = *st.Reference
					}
					if st.LastEvent != nil {
						m["last_event"] = string(st.LastEvent.Kind)
					}
					return m, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

func histogramArgsOptions(args map[string]interface{}) (histogram.Options, error) {
	var opts histogram.Options
	if v, ok := args["azimuth_step"].(float64); ok {
		if v <= 0 || v > 360 {
			return opts, errors.New("azimuth_step must be between 0 and 360 degrees")
		}
		opts.AzimuthStep = v
	}
	if v, ok := args["distance_steps"].(int); ok {
		if v < 1 || v > 100 {
			return opts, errors.New("distance_steps must be between 1 and 100")
		}
		opts.DistanceSteps = v
	}
	return opts, nil
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.UserContext(),
		})

		return c.JSON(result)
	}
}
