package credential

import (
	"errors"
	"fmt"

	"github.com/hectorm/keybridge/internal/native"
)

var ErrInvalidPrecondition = errors.New("invalid precondition")

type PreconditionError struct {
	Credential string
	Field      string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s contains a null %s", e.Credential, e.Field)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrInvalidPrecondition
}

type NativeError struct {
	Status native.Status
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("native credential constructor failed with status %d", int(e.Status))
}
