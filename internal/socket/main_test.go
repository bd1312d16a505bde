package socket

import (
	"os"
	"testing"

	"github.com/lattesec/modfleet/pkg/log"
)

func TestMain(m *testing.M) {
	if err := log.Init("", log.TRACE); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
