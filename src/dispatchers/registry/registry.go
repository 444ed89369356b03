// Package registry constructs the dispatcher matching a destination's
// type. It sits apart from the dispatchers package so the concrete
// implementations can share that package's contract without an import
// cycle.
package registry

import (
	"fmt"

	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/filedispatcher"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/httpdispatcher"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/kafkadispatcher"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/mysqldispatcher"
	"github.com/sandrolain/mqtt-relay/src/dispatchers/pgsqldispatcher"
	"github.com/sandrolain/mqtt-relay/src/models"
)

// New builds the dispatcher for a destination. password is the decrypted
// credential; cb receives the final result of asynchronous dispatchers and
// may be nil when the destination type is synchronous.
func New(dest *models.ClientDestination, password string, cb dispatchers.Callback) (dispatchers.Dispatcher, error) {
	switch dest.Type {
	case models.DestinationTypeMySQL:
		return mysqldispatcher.New(dest, password)
	case models.DestinationTypePostgres:
		return pgsqldispatcher.New(dest, password)
	case models.DestinationTypeHTTP:
		return httpdispatcher.New(dest, password)
	case models.DestinationTypeKafka:
		return kafkadispatcher.New(dest, cb)
	case models.DestinationTypeFile:
		return filedispatcher.New(dest)
	default:
		return nil, fmt.Errorf("%w: %q", dispatchers.ErrUnsupportedDestination, dest.Type)
	}
}
