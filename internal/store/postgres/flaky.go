package postgres

import (
	"context"
	"fmt"

	"qarunner/internal/store"

	"github.com/google/uuid"
)

// ReplaceFlakyTests swaps the project's rows in the flaky_tests view.
func (s *Store) ReplaceFlakyTests(ctx context.Context, projectID uuid.UUID, tests []store.FlakyTest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM flaky_tests WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to clear flaky tests: %w", err)
	}

	for _, ft := range tests {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flaky_tests (project_id, test_case_id, flake_rate, analyzed_at)
			VALUES ($1, $2, $3, $4)
		`, projectID, ft.TestCaseID, ft.FlakeRate, ft.AnalyzedAt)
		if err != nil {
			return fmt.Errorf("failed to insert flaky test %s: %w", ft.TestCaseID, err)
		}
	}

	return tx.Commit()
}

// ListFlakyTests returns the project's flaky tests, highest rate first.
func (s *Store) ListFlakyTests(ctx context.Context, projectID uuid.UUID) ([]store.FlakyTest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, test_case_id, flake_rate, analyzed_at
		FROM flaky_tests
		WHERE project_id = $1
		ORDER BY flake_rate DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flaky tests: %w", err)
	}
	defer rows.Close()

	var out []store.FlakyTest
	for rows.Next() {
		var ft store.FlakyTest
		if err := rows.Scan(&ft.ProjectID, &ft.TestCaseID, &ft.FlakeRate, &ft.AnalyzedAt); err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}
