package market

import (
	"errors"
	"net/http"

	"github.com/aristath/tradegate/internal/domain"
)

func isNotFound(err error) bool {
	var te *domain.TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusNotFound
}
