package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/store"
)

func main() {
	db, err := gorm.Open(sqlite.Open("file:foo?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxOpenConns(1)
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		panic(err)
	}
	var cols []map[string]interface{}
	db.Raw("PRAGMA table_info(devices)").Scan(&cols)
	fmt.Println(cols)

	ds := st.Devices()
	dev := domain.Device{
		DeviceID:            uuid.New(),
		OwnerDID:            "did:phone:abc",
		OwnerEncryptedPhone: "enc",
		DeviceName:          "pixel",
		PubkeyX25519:        "x",
		PubkeyEd25519:       "y",
		Status:              domain.DeviceActive,
		RegisteredAt:        1,
		LastSeenAt:          1,
	}
	if err := ds.Upsert(context.Background(), dev); err != nil {
		panic(err)
	}
	fmt.Println("upsert ok")
}
