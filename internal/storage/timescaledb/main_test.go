package timescaledb

import (
	"os"
	"testing"

	"github.com/soilsense/trustd/internal/log"
)

func TestMain(m *testing.M) {
	if err := log.Init(false); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
