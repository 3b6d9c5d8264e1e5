// Package transports imports all built-in broker adapters for registration.
// Import it for side effects to make every adapter selectable by name.
package transports

import (
	_ "github.com/drblury/bookinggate/transport/aws"
	_ "github.com/drblury/bookinggate/transport/channel"
	_ "github.com/drblury/bookinggate/transport/http"
	_ "github.com/drblury/bookinggate/transport/kafka"
	_ "github.com/drblury/bookinggate/transport/nats"
	_ "github.com/drblury/bookinggate/transport/rabbitmq"
)
