package reenactRepository

import (
	"FacePoke/internal/entity"
	contextPkg "FacePoke/pkg/context"
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ExportDB struct {
	ID        sql.NullString `db:"id"`
	SessionID sql.NullString `db:"session_id"`
	ObjectURL sql.NullString `db:"object_url"`
	Params    []byte         `db:"params"`
	CreatedAt sql.NullTime   `db:"created_at"`
}

func (r *exportRepository) CreateExport(c context.Context, export entity.Export) error {
	requestID := contextPkg.GetRequestID(c)

	params, err := json.Marshal(export.Params)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to encode export params")
		return err
	}

	argsKV := map[string]interface{}{
		"id":         export.ID,
		"session_id": export.SessionID,
		"object_url": export.ObjectURL,
		"params":     string(params),
		"created_at": export.CreatedAt,
	}

	query, args, err := sqlx.Named(queryCreateExport, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("CreateExport named query preparation err")
		return err
	}
	query = r.q.Rebind(query)

	if _, err := r.q.ExecContext(c, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Database error when creating export")
		return err
	}

	return nil
}

func (r *exportRepository) ListBySession(c context.Context, sessionID string) ([]entity.Export, error) {
	requestID := contextPkg.GetRequestID(c)

	argsKV := map[string]interface{}{
		"session_id": sessionID,
	}

	query, args, err := sqlx.Named(queryListExportsBySession, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("ListBySession named query preparation err")
		return nil, err
	}
	query = r.q.Rebind(query)

	rows, err := r.q.QueryxContext(c, query, args...)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("ListBySession execution err")
		return nil, err
	}
	defer rows.Close()

	exports := make([]entity.Export, 0)
	for rows.Next() {
		var row ExportDB
		if err := rows.StructScan(&row); err != nil {
			r.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"error":      err.Error(),
			}).Error("ListBySession scan err")
			return nil, err
		}
		exports = append(exports, r.makeExport(row))
	}

	return exports, rows.Err()
}

func (r *exportRepository) makeExport(row ExportDB) entity.Export {
	export := entity.Export{
		ID:        row.ID.String,
		SessionID: row.SessionID.String,
		ObjectURL: row.ObjectURL.String,
		Params:    entity.Params{},
	}

	if row.CreatedAt.Valid {
		export.CreatedAt = row.CreatedAt.Time
	}

	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &export.Params); err != nil {
			r.log.WithFields(logrus.Fields{
				"export_id": export.ID,
				"error":     err.Error(),
			}).Warn("Stored export params are not valid JSON")
		}
	}

	return export
}
