package backend

import "fmt"

// NotFoundError means the lookup target does not exist. The operator corrects
// the input; nothing is retried automatically.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// DomainError means the backend rejected the business operation, e.g.
// "payment already cancelled". The code and message come from the 4xx body.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// TransportError means the call never produced a usable business answer:
// network failure, timeout, 5xx, or an undecodable response.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("billing backend unreachable: %v", e.Err)
	}
	return fmt.Sprintf("billing backend error: status %d", e.Status)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
