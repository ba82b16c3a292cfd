package sqlite

import "github.com/relves/spaces/internal/storage"

// Ensure Store implements the full replica contract at compile time.
var _ storage.Store = (*Store)(nil)
