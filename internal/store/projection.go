package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/route-beacon/edge-ingester/internal/record"
)

// Projection writes vehicle_2k records into the local projection table
// (§4.6's redesign decision: restricted to vehicle_2k only, see
// DESIGN.md). Its only caller is the localstore sink configured with
// this table; the sender's camera-identity-unknown path spools records
// and does not write here.
type Projection struct {
	pool *pgxpool.Pool
}

func NewProjection(pool *pgxpool.Pool) *Projection { return &Projection{pool: pool} }

const insertProjectionSQL = `
INSERT INTO vehicle_2k_projection (
    car_id_2k, lane, class, turn_type_cd, stop_pass_time, turn_time,
    stop_speed, enter_speed, image_path_name, image_file_name,
    camera_id, unique_key
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

// Insert writes the vehicle_2k fixed 12-column projection. Only
// data_type=vehicle_2k records should be passed here; callers enforce
// this upstream.
func (p *Projection) Insert(ctx context.Context, rec *record.Record) error {
	_, err := p.pool.Exec(ctx, insertProjectionSQL,
		rec.Get("car_id_2k"), rec.GetInt("lane"), rec.Get("class"), rec.GetInt("turn_type_cd"),
		rec.GetInt("stop_pass_time"), rec.GetInt("turn_time"), rec.GetFloat("stop_speed"),
		rec.GetFloat("enter_speed"), rec.Get("image_path_name"), rec.Get("image_file_name"),
		rec.Get("camera_id"), rec.UniqueKey,
	)
	if err != nil {
		return fmt.Errorf("inserting vehicle_2k projection row: %w", err)
	}
	return nil
}
