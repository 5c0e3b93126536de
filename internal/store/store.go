package store

import (
	"fmt"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open connects to the configured database and migrates the schema.
// TranslateError is required: the issuance path relies on duplicate-key
// errors surfacing as gorm.ErrDuplicatedKey.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.UserWallet{},
		&models.CheckIn{},
		&models.PointsEvent{},
		&models.Activity{},
		&models.Participation{},
		&models.Rule{},
		&models.Grant{},
		&models.CertificateInstance{},
		&models.LedgerRecord{},
	); err != nil {
		return nil, err
	}
	return db, nil
}
