package engagement

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("engagement.store",
	fx.Provide(NewStore),
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Engagement{}, &FollowUp{})
}
