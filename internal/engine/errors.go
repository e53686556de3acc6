package engine

import "errors"

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrLaunchNotFound  = errors.New("launch not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrParentNotFound  = errors.New("parent item not found")

	ErrLaunchFinished    = errors.New("launch already finished")
	ErrParentFinished    = errors.New("parent item already finished")
	ErrInvalidEndTime    = errors.New("invalid end time")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")

	ErrChildrenInProgress = errors.New("item has children in progress")
	ErrItemsInProgress    = errors.New("launch has items in progress")
)

// IsNotFound reports whether err names an entity that does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrLaunchNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrParentNotFound)
}

// IsValidation reports whether err can never succeed on redelivery.
func IsValidation(err error) bool {
	return errors.Is(err, ErrLaunchFinished) ||
		errors.Is(err, ErrParentFinished) ||
		errors.Is(err, ErrInvalidEndTime) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsConsistency reports whether err is an ordering rejection that clears
// once outstanding descendants finish.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrChildrenInProgress) || errors.Is(err, ErrItemsInProgress)
}
