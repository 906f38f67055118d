package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crowdbus/internal/bus"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchRoutes loads every route with its stops and scheduled times, ordered by
// stop_sequence. Routes are returned in route_id order.
func FetchRoutes(ctx context.Context, db *sql.DB) ([]bus.Route, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, db, "public", "bus_route_stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect bus_route_stops columns: %w", err)
	}
	var q string
	if latlonExists["stop_lat"] && latlonExists["stop_lon"] {
		q = `SELECT r.route_id,
                    s.stop_name,
                    s.stop_lat,
                    s.stop_lon,
                    s.scheduled_time::text
             FROM bus_routes r
             JOIN bus_route_stops s ON s.route_id = r.route_id
             ORDER BY r.route_id, s.stop_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "bus_route_stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect bus_route_stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("bus_route_stops missing expected columns (stop_lat/lon or stop_loc)")
		}
		q = `SELECT r.route_id,
                    s.stop_name,
                    ST_Y(s.stop_loc::geometry),
                    ST_X(s.stop_loc::geometry),
                    s.scheduled_time::text
             FROM bus_routes r
             JOIN bus_route_stops s ON s.route_id = r.route_id
             ORDER BY r.route_id, s.stop_sequence`
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query bus_route_stops: %w", err)
	}
	defer rows.Close()

	var out []bus.Route
	for rows.Next() {
		var (
			routeID string
			st      bus.Stop
			clock   string
		)
		if err := rows.Scan(&routeID, &st.Name, &st.Lat, &st.Lng, &clock); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != routeID {
			out = append(out, bus.Route{ID: routeID})
		}
		r := &out[len(out)-1]
		r.Stops = append(r.Stops, st)
		r.Schedule = append(r.Schedule, clock)
	}
	return out, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
