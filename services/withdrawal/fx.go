package withdrawal

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("withdrawal.service",
	fx.Provide(NewService),
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Request{})
}
