package data

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// DBTX is a common interface for *sql.DB and *sql.Tx so models can run inside
// or outside a transaction without caring which.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Models bundles every repository over one handle. Handlers that need a
// transaction construct the individual model over the *sql.Tx instead.
type Models struct {
	Machines      MachineModel
	StatusEvents  StatusEventModel
	Sessions      SessionModel
	Payments      PaymentModel
	Users         UserModel
	Tokens        TokenModel
	Notifications NotificationModel
	Reports       ReportModel
}

func NewModels(db *sql.DB) Models {
	return Models{
		Machines:      MachineModel{DB: db},
		StatusEvents:  StatusEventModel{DB: db},
		Sessions:      SessionModel{DB: db},
		Payments:      PaymentModel{DB: db},
		Users:         UserModel{DB: db},
		Tokens:        TokenModel{DB: db},
		Notifications: NotificationModel{DB: db},
		Reports:       ReportModel{DB: db},
	}
}
