package postgres

// schemaStatements is executed in order at startup. Every statement is
// idempotent so repeated boots are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id CHAR(26) PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		activity VARCHAR(128) NOT NULL,
		country_code CHAR(2) NOT NULL,
		admin1_code VARCHAR(32) NOT NULL DEFAULT '',
		admin2_code VARCHAR(32) NOT NULL DEFAULT '',
		city_geoname_id BIGINT NOT NULL DEFAULT 0,
		location_name VARCHAR(255) NOT NULL,
		iso_language VARCHAR(8) NOT NULL DEFAULT '',
		locale VARCHAR(16) NOT NULL DEFAULT '',
		min_population INT NOT NULL DEFAULT 0,
		max_results INT NOT NULL DEFAULT 0,
		min_rating REAL NOT NULL DEFAULT 0,
		max_bots INT NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		total_tasks INT NOT NULL DEFAULT 0,
		completed_tasks INT NOT NULL DEFAULT 0,
		failed_tasks INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns (status)`,
	`CREATE TABLE IF NOT EXISTS place_extraction_tasks (
		id CHAR(26) PRIMARY KEY,
		campaign_id CHAR(26) NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
		geoname_id BIGINT NOT NULL,
		geoname_name VARCHAR(255) NOT NULL,
		search_seed VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_campaign ON place_extraction_tasks (campaign_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_campaign_status ON place_extraction_tasks (campaign_id, status)`,
	`CREATE TABLE IF NOT EXISTS extracted_places (
		id CHAR(26) PRIMARY KEY,
		source_task_id CHAR(26) NOT NULL,
		fingerprint CHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		address VARCHAR(512) NOT NULL DEFAULT '',
		city VARCHAR(255) NOT NULL DEFAULT '',
		category VARCHAR(128) NOT NULL DEFAULT '',
		rating REAL,
		review_count INT,
		phone VARCHAR(64) NOT NULL DEFAULT '',
		website VARCHAR(512) NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		extracted_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source_task_id, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_places_task ON extracted_places (source_task_id)`,
	`CREATE TABLE IF NOT EXISTS extracted_place_reviews (
		id CHAR(26) PRIMARY KEY,
		place_id CHAR(26) NOT NULL REFERENCES extracted_places (id) ON DELETE CASCADE,
		author VARCHAR(255) NOT NULL DEFAULT '',
		rating REAL NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_place ON extracted_place_reviews (place_id)`,
}
