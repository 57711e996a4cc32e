package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetcorr/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir executes .sql files from dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return err }
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
	}
	sort.Strings(names)
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil { return err }
		if _, err := p.db.Exec(string(data)); err != nil { return err }
	}
	return nil
}

func (p *Postgres) UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	for i, d := range drivers {
		if d.ID == "" { d.ID = uuid.New().String(); drivers[i] = d }
		_, err = tx.ExecContext(ctx, `INSERT INTO drivers (tenant_id, id, full_name, employee_no, license_no, fleet, depot, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
            ON CONFLICT (tenant_id, id) DO UPDATE SET full_name=EXCLUDED.full_name, employee_no=EXCLUDED.employee_no,
                license_no=EXCLUDED.license_no, fleet=EXCLUDED.fleet, depot=EXCLUDED.depot, status=EXCLUDED.status`,
			tenantID, d.ID, d.FullName, nullIfEmpty(d.EmployeeNo), nullIfEmpty(d.LicenseNo), nullIfEmpty(d.Fleet), nullIfEmpty(d.Depot), nullIfEmpty(d.Status))
		if err != nil { return 0, err }
	}
	if err := tx.Commit(); err != nil { return 0, err }
	return len(drivers), nil
}

func (p *Postgres) ListDrivers(ctx context.Context, tenantID string) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, full_name, employee_no, license_no, fleet, depot, status FROM drivers WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		var d model.Driver
		var emp, lic, fleet, depot, status sql.NullString
		if err := rows.Scan(&d.ID, &d.FullName, &emp, &lic, &fleet, &depot, &status); err != nil { return nil, err }
		d.EmployeeNo, d.LicenseNo, d.Fleet, d.Depot, d.Status = emp.String, lic.String, fleet.String, depot.String, status.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	for i, v := range vehicles {
		if v.ID == "" { v.ID = uuid.New().String(); vehicles[i] = v }
		serials, _ := json.Marshal(v.DeviceSerials)
		_, err = tx.ExecContext(ctx, `INSERT INTO vehicles (tenant_id, id, registration, fleet, depot, device_serials, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (tenant_id, id) DO UPDATE SET registration=EXCLUDED.registration, fleet=EXCLUDED.fleet,
                depot=EXCLUDED.depot, device_serials=EXCLUDED.device_serials, status=EXCLUDED.status`,
			tenantID, v.ID, v.Registration, nullIfEmpty(v.Fleet), nullIfEmpty(v.Depot), serials, nullIfEmpty(v.Status))
		if err != nil { return 0, err }
	}
	if err := tx.Commit(); err != nil { return 0, err }
	return len(vehicles), nil
}

func (p *Postgres) ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, registration, fleet, depot, device_serials, status FROM vehicles WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		var v model.Vehicle
		var fleet, depot, status sql.NullString
		var serials []byte
		if err := rows.Scan(&v.ID, &v.Registration, &fleet, &depot, &serials, &status); err != nil { return nil, err }
		v.Fleet, v.Depot, v.Status = fleet.String, depot.String, status.String
		if len(serials) > 0 { _ = json.Unmarshal(serials, &v.DeviceSerials) }
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertTerminals(ctx context.Context, tenantID string, terminals []model.Terminal) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	for i, t := range terminals {
		if t.ID == "" { t.ID = uuid.New().String(); terminals[i] = t }
		_, err = tx.ExecContext(ctx, `INSERT INTO terminals (tenant_id, id, name, carrier, lat, lon, service_radius_km)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, carrier=EXCLUDED.carrier,
                lat=EXCLUDED.lat, lon=EXCLUDED.lon, service_radius_km=EXCLUDED.service_radius_km`,
			tenantID, t.ID, t.Name, nullIfEmpty(t.Carrier), t.Lat, t.Lon, t.ServiceRadiusKm)
		if err != nil { return 0, err }
	}
	if err := tx.Commit(); err != nil { return 0, err }
	return len(terminals), nil
}

func (p *Postgres) ListTerminals(ctx context.Context, tenantID string) ([]model.Terminal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, carrier, lat, lon, service_radius_km FROM terminals WHERE tenant_id=$1 ORDER BY name`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Terminal{}
	for rows.Next() {
		var t model.Terminal
		var carrier sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &carrier, &t.Lat, &t.Lon, &t.ServiceRadiusKm); err != nil { return nil, err }
		t.Carrier = carrier.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) PutNameMappings(ctx context.Context, tenantID string, mappings []model.NameMapping) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	for _, m := range mappings {
		_, err = tx.ExecContext(ctx, `INSERT INTO name_mappings (tenant_id, source, name, driver_id)
            VALUES ($1,$2,upper($3),$4)
            ON CONFLICT (tenant_id, source, name) DO UPDATE SET driver_id=EXCLUDED.driver_id`,
			tenantID, string(m.Source), m.Name, m.DriverID)
		if err != nil { return 0, err }
	}
	if err := tx.Commit(); err != nil { return 0, err }
	return len(mappings), nil
}

func (p *Postgres) ListNameMappings(ctx context.Context, tenantID string) ([]model.NameMapping, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT source, name, driver_id FROM name_mappings WHERE tenant_id=$1 ORDER BY source, name`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.NameMapping{}
	for rows.Next() {
		var m model.NameMapping
		var src string
		if err := rows.Scan(&src, &m.Name, &m.DriverID); err != nil { return nil, err }
		m.Source = model.EventSource(src)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertRawEvents(ctx context.Context, tenantID string, events []model.RawEvent) (int, error) {
	if len(events) == 0 { return 0, nil }
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	accepted := 0
	for i, e := range events {
		if e.ID == "" { e.ID = uuid.New().String(); events[i] = e }
		payload, _ := json.Marshal(e.Payload)
		// Raw events are immutable once ingested; duplicates are skipped.
		res, err := tx.ExecContext(ctx, `INSERT INTO raw_events (tenant_id, id, source, registration, driver_name, driver_ref, occurred_at, lat, lon, event_type, severity, verified, payload)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
            ON CONFLICT (tenant_id, id) DO NOTHING`,
			tenantID, e.ID, string(e.Source), e.Registration, nullIfEmpty(e.DriverName), nullIfEmpty(e.DriverRef), e.OccurredAt, e.Lat, e.Lon, nullIfEmpty(e.EventType), nullIfEmpty(e.Severity), e.Verified, payload)
		if err != nil { return accepted, err }
		if n, _ := res.RowsAffected(); n > 0 { accepted++ }
	}
	if err := tx.Commit(); err != nil { return accepted, err }
	return accepted, nil
}

func (p *Postgres) GetRawEvent(ctx context.Context, tenantID, id string) (model.RawEvent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, source, registration, driver_name, driver_ref, occurred_at, lat, lon, event_type, severity, verified, payload
        FROM raw_events WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	e, err := scanRawEvent(row)
	if errors.Is(err, sql.ErrNoRows) { return model.RawEvent{}, ErrNotFound }
	return e, err
}

func (p *Postgres) ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]model.RawEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, source, registration, driver_name, driver_ref, occurred_at, lat, lon, event_type, severity, verified, payload
        FROM raw_events WHERE tenant_id=$1 AND occurred_at >= $2 AND occurred_at <= $3 ORDER BY occurred_at, id`, tenantID, from, to)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.RawEvent{}
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil { return nil, err }
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRawEvent(r rowScanner) (model.RawEvent, error) {
	var e model.RawEvent
	var src string
	var name, ref, typ, sev sql.NullString
	var lat, lon sql.NullFloat64
	var payload []byte
	if err := r.Scan(&e.ID, &src, &e.Registration, &name, &ref, &e.OccurredAt, &lat, &lon, &typ, &sev, &e.Verified, &payload); err != nil {
		return model.RawEvent{}, err
	}
	e.Source = model.EventSource(src)
	e.DriverName, e.DriverRef, e.EventType, e.Severity = name.String, ref.String, typ.String, sev.String
	if lat.Valid { e.Lat = &lat.Float64 }
	if lon.Valid { e.Lon = &lon.Float64 }
	if len(payload) > 0 { _ = json.Unmarshal(payload, &e.Payload) }
	return e, nil
}

func (p *Postgres) InsertTrips(ctx context.Context, tenantID string, trips []model.Trip) (int, error) {
	if len(trips) == 0 { return 0, nil }
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	accepted := 0
	for i, t := range trips {
		if t.ID == "" { t.ID = uuid.New().String(); trips[i] = t }
		res, err := tx.ExecContext(ctx, `INSERT INTO trips (tenant_id, id, registration, driver_id, driver_name, fleet, start_at, end_at, start_lat, start_lon, end_lat, end_lon, location_text, distance_km)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
            ON CONFLICT (tenant_id, id) DO NOTHING`,
			tenantID, t.ID, t.Registration, nullIfEmpty(t.DriverID), nullIfEmpty(t.DriverName), nullIfEmpty(t.Fleet), t.StartAt, t.EndAt, t.StartLat, t.StartLon, t.EndLat, t.EndLon, nullIfEmpty(t.LocationText), t.DistanceKm)
		if err != nil { return accepted, err }
		if n, _ := res.RowsAffected(); n > 0 { accepted++ }
	}
	if err := tx.Commit(); err != nil { return accepted, err }
	return accepted, nil
}

func (p *Postgres) ListTrips(ctx context.Context, tenantID string, from, to time.Time, fleet string, limit int) ([]model.Trip, error) {
	if limit <= 0 { limit = 10000 }
	var rows *sql.Rows
	var err error
	q := `SELECT id, registration, driver_id, driver_name, fleet, start_at, end_at, start_lat, start_lon, end_lat, end_lon, location_text, distance_km
        FROM trips WHERE tenant_id=$1 AND end_at >= $2 AND end_at <= $3`
	if fleet != "" {
		rows, err = p.db.QueryContext(ctx, q+` AND fleet=$4 ORDER BY end_at, id LIMIT $5`, tenantID, from, to, fleet, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY end_at, id LIMIT $4`, tenantID, from, to, limit)
	}
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Trip{}
	for rows.Next() {
		var t model.Trip
		var driverID, driverName, fl, loc sql.NullString
		var sLat, sLon, eLat, eLon sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.Registration, &driverID, &driverName, &fl, &t.StartAt, &t.EndAt, &sLat, &sLon, &eLat, &eLon, &loc, &t.DistanceKm); err != nil { return nil, err }
		t.DriverID, t.DriverName, t.Fleet, t.LocationText = driverID.String, driverName.String, fl.String, loc.String
		if sLat.Valid { t.StartLat = &sLat.Float64 }
		if sLon.Valid { t.StartLon = &sLon.Float64 }
		if eLat.Valid { t.EndLat = &eLat.Float64 }
		if eLon.Valid { t.EndLon = &eLon.Float64 }
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertDeliveries(ctx context.Context, tenantID string, deliveries []model.DeliveryRecord) (int, error) {
	if len(deliveries) == 0 { return 0, nil }
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer func() { _ = tx.Rollback() }()
	for _, d := range deliveries {
		_, err = tx.ExecContext(ctx, `INSERT INTO deliveries (tenant_id, bill_of_lading, delivery_date, customer, terminal_name, carrier, volume_l)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (tenant_id, bill_of_lading, delivery_date, customer) DO UPDATE SET terminal_name=EXCLUDED.terminal_name, carrier=EXCLUDED.carrier, volume_l=EXCLUDED.volume_l`,
			tenantID, d.BillOfLading, d.DeliveryDate, d.Customer, nullIfEmpty(d.TerminalName), nullIfEmpty(d.Carrier), d.VolumeL)
		if err != nil { return 0, err }
	}
	if err := tx.Commit(); err != nil { return 0, err }
	return len(deliveries), nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, tenantID, startDate, endDate string) ([]model.DeliveryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bill_of_lading, delivery_date, customer, terminal_name, carrier, volume_l
        FROM deliveries WHERE tenant_id=$1 AND delivery_date >= $2 AND delivery_date <= $3 ORDER BY bill_of_lading, delivery_date, customer`,
		tenantID, startDate, endDate)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.DeliveryRecord{}
	for rows.Next() {
		var d model.DeliveryRecord
		var term, carrier sql.NullString
		if err := rows.Scan(&d.BillOfLading, &d.DeliveryDate, &d.Customer, &term, &carrier, &d.VolumeL); err != nil { return nil, err }
		d.TerminalName, d.Carrier = term.String, carrier.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertAttribution(ctx context.Context, tenantID string, att model.Attribution) error {
	// One current attribution per event; re-resolution replaces it.
	_, err := p.db.ExecContext(ctx, `INSERT INTO attributions (tenant_id, event_id, driver_id, method, confidence, resolved_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (tenant_id, event_id) DO UPDATE SET driver_id=EXCLUDED.driver_id, method=EXCLUDED.method,
            confidence=EXCLUDED.confidence, resolved_at=EXCLUDED.resolved_at`,
		tenantID, att.EventID, nullIfEmpty(att.DriverID), string(att.Method), att.Confidence, att.ResolvedAt)
	return err
}

func (p *Postgres) ListAttributions(ctx context.Context, tenantID string, from, to time.Time) ([]model.Attribution, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT a.event_id, a.driver_id, a.method, a.confidence, a.resolved_at
        FROM attributions a JOIN raw_events e ON e.tenant_id = a.tenant_id AND e.id = a.event_id
        WHERE a.tenant_id=$1 AND e.occurred_at >= $2 AND e.occurred_at <= $3 ORDER BY a.event_id`, tenantID, from, to)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Attribution{}
	for rows.Next() {
		var a model.Attribution
		var driverID sql.NullString
		var method string
		if err := rows.Scan(&a.EventID, &driverID, &method, &a.Confidence, &a.ResolvedAt); err != nil { return nil, err }
		a.DriverID = driverID.String
		a.Method = model.ResolutionMethod(method)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertCorrelation(ctx context.Context, tenantID string, c model.Correlation) error {
	if c.CreatedAt.IsZero() { c.CreatedAt = time.Now().UTC() }
	breakdown, _ := json.Marshal(c.Breakdown)
	methods, _ := json.Marshal(c.Methods)
	_, err := p.db.ExecContext(ctx, `INSERT INTO correlations (tenant_id, trip_id, delivery_key, bill_of_lading, delivery_date, customer, confidence, breakdown, methods, tier, requires_review, algorithm_version, run_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (tenant_id, trip_id, delivery_key) DO UPDATE SET confidence=EXCLUDED.confidence, breakdown=EXCLUDED.breakdown,
            methods=EXCLUDED.methods, tier=EXCLUDED.tier, requires_review=EXCLUDED.requires_review,
            algorithm_version=EXCLUDED.algorithm_version, run_id=EXCLUDED.run_id, created_at=EXCLUDED.created_at`,
		tenantID, c.TripID, c.DeliveryKey, c.BillOfLading, c.DeliveryDate, c.Customer, c.Confidence, breakdown, methods, c.Tier, c.RequiresReview, c.AlgorithmVersion, nullIfEmpty(c.RunID), c.CreatedAt)
	return err
}

func (p *Postgres) ListCorrelations(ctx context.Context, tenantID, runID string, minConfidence float64, limit int) ([]model.Correlation, error) {
	if limit <= 0 || limit > 5000 { limit = 500 }
	var rows *sql.Rows
	var err error
	q := `SELECT trip_id, delivery_key, bill_of_lading, delivery_date, customer, confidence, breakdown, methods, tier, requires_review, algorithm_version, run_id, created_at
        FROM correlations WHERE tenant_id=$1 AND confidence >= $2`
	if runID != "" {
		rows, err = p.db.QueryContext(ctx, q+` AND run_id=$3 ORDER BY confidence DESC, trip_id, delivery_key LIMIT $4`, tenantID, minConfidence, runID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY confidence DESC, trip_id, delivery_key LIMIT $3`, tenantID, minConfidence, limit)
	}
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Correlation{}
	for rows.Next() {
		var c model.Correlation
		var breakdown, methods []byte
		var rid sql.NullString
		if err := rows.Scan(&c.TripID, &c.DeliveryKey, &c.BillOfLading, &c.DeliveryDate, &c.Customer, &c.Confidence, &breakdown, &methods, &c.Tier, &c.RequiresReview, &c.AlgorithmVersion, &rid, &c.CreatedAt); err != nil { return nil, err }
		c.RunID = rid.String
		if len(breakdown) > 0 { _ = json.Unmarshal(breakdown, &c.Breakdown) }
		if len(methods) > 0 { _ = json.Unmarshal(methods, &c.Methods) }
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ClearCorrelations(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM correlations c USING trips t
        WHERE c.tenant_id=$1 AND t.tenant_id=c.tenant_id AND t.id=c.trip_id AND t.end_at >= $2 AND t.end_at <= $3`,
		tenantID, from, to)
	if err != nil { return 0, err }
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) SaveRunStats(ctx context.Context, tenantID string, stats model.RunStats) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO correlation_runs (tenant_id, run_id, algorithm_version, start_date, end_date, fleet, trips_processed, correlations_created, high_confidence, flagged_for_review, skipped, avg_confidence, duration_ms, status, error, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
        ON CONFLICT (tenant_id, run_id) DO UPDATE SET trips_processed=EXCLUDED.trips_processed, correlations_created=EXCLUDED.correlations_created,
            high_confidence=EXCLUDED.high_confidence, flagged_for_review=EXCLUDED.flagged_for_review, skipped=EXCLUDED.skipped,
            avg_confidence=EXCLUDED.avg_confidence, duration_ms=EXCLUDED.duration_ms, status=EXCLUDED.status, error=EXCLUDED.error`,
		tenantID, stats.RunID, stats.AlgorithmVersion, stats.StartDate, stats.EndDate, nullIfEmpty(stats.Fleet), stats.TripsProcessed, stats.CorrelationsCreated, stats.HighConfidence, stats.FlaggedForReview, stats.Skipped, stats.AvgConfidence, stats.DurationMs, stats.Status, nullIfEmpty(stats.Error))
	return err
}

func (p *Postgres) ListRunStats(ctx context.Context, tenantID string, limit int) ([]model.RunStats, error) {
	if limit <= 0 || limit > 500 { limit = 50 }
	rows, err := p.db.QueryContext(ctx, `SELECT run_id, algorithm_version, start_date, end_date, fleet, trips_processed, correlations_created, high_confidence, flagged_for_review, skipped, avg_confidence, duration_ms, status, error
        FROM correlation_runs WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.RunStats{}
	for rows.Next() {
		var s model.RunStats
		var fleet, errMsg sql.NullString
		if err := rows.Scan(&s.RunID, &s.AlgorithmVersion, &s.StartDate, &s.EndDate, &fleet, &s.TripsProcessed, &s.CorrelationsCreated, &s.HighConfidence, &s.FlaggedForReview, &s.Skipped, &s.AvgConfidence, &s.DurationMs, &s.Status, &errMsg); err != nil { return nil, err }
		s.Fleet, s.Error = fleet.String, errMsg.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveDriverMetrics(ctx context.Context, tenantID string, metrics []model.DriverSafetyMetric, rankings []model.DriverRanking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return err }
	defer func() { _ = tx.Rollback() }()
	// Derived cache: replace wholesale on recompute.
	if _, err := tx.ExecContext(ctx, `DELETE FROM driver_metrics WHERE tenant_id=$1`, tenantID); err != nil { return err }
	if _, err := tx.ExecContext(ctx, `DELETE FROM driver_rankings WHERE tenant_id=$1`, tenantID); err != nil { return err }
	for _, m := range metrics {
		data, _ := json.Marshal(m)
		if _, err := tx.ExecContext(ctx, `INSERT INTO driver_metrics (tenant_id, driver_id, data) VALUES ($1,$2,$3)`, tenantID, m.DriverID, data); err != nil { return err }
	}
	for _, r := range rankings {
		data, _ := json.Marshal(r)
		if _, err := tx.ExecContext(ctx, `INSERT INTO driver_rankings (tenant_id, driver_id, rank, data) VALUES ($1,$2,$3,$4)`, tenantID, r.DriverID, r.Rank, data); err != nil { return err }
	}
	return tx.Commit()
}

func (p *Postgres) ListDriverMetrics(ctx context.Context, tenantID string) ([]model.DriverSafetyMetric, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM driver_metrics WHERE tenant_id=$1 ORDER BY driver_id`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.DriverSafetyMetric{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil { return nil, err }
		var m model.DriverSafetyMetric
		if err := json.Unmarshal(data, &m); err != nil { return nil, err }
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDriverRankings(ctx context.Context, tenantID string) ([]model.DriverRanking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM driver_rankings WHERE tenant_id=$1 ORDER BY rank`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.DriverRanking{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil { return nil, err }
		var r model.DriverRanking
		if err := json.Unmarshal(data, &r); err != nil { return nil, err }
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	events, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		id, req.TenantID, req.URL, events, req.Secret)
	if err != nil { return model.Subscription{}, err }
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`,
		tenantID, `["`+eventType+`"]`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]model.Subscription, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, secret, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`,
		id, tenantID, subscriptionID, eventType, url, secret, payload)
	if err != nil { return "", err }
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 { limit = 50 }
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now() WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil { next = *nextAttemptAt }
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5 WHERE id=$1`,
		id, lastError, responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, lastError, responseCode, latencyMs)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" { return nil }
	return s
}
