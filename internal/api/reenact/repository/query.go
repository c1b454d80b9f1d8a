package reenactRepository

const (
	queryCreateExport = `
INSERT INTO exports (id, session_id, object_url, params, created_at)
VALUES (:id, :session_id, :object_url, :params, :created_at)`

	queryListExportsBySession = `
SELECT id, session_id, object_url, params, created_at
FROM exports
    WHERE session_id = :session_id
ORDER BY created_at DESC
LIMIT 100`
)
