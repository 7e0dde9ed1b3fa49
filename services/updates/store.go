package updates

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"deltad/pkg/bus"
	gos3 "deltad/pkg/s3"
)

// Store holds external dependencies required by the updates service. S3 and
// Bus are optional; the service degrades to local-only serving without them.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
	S3  *gos3.Client
	Bus *bus.Bus
}
