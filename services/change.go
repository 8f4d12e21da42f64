package services

import (
	"fmt"

	"guild-ledger/models"

	"github.com/vmihailenco/msgpack/v5"
)

// Change is the payload of a recorded action. Each ChangeKind has exactly one concrete type
// carrying what its undo needs.
type Change interface {
	Kind() models.ChangeKind
}

type AddChange struct{}

type EditChange struct {
	Patch     RequestPatch `json:"patch" msgpack:"patch"`
	Completed bool         `json:"completed" msgpack:"completed"`
	Removed   bool         `json:"removed" msgpack:"removed"`
}

type ContributionChange struct {
	Identity           string `json:"identity" msgpack:"identity"`
	Amount             int64  `json:"amount" msgpack:"amount"`
	Completed          bool   `json:"completed" msgpack:"completed"`
	WasAlreadyComplete bool   `json:"was_already_complete" msgpack:"was_already_complete"`
	Removed            bool   `json:"removed" msgpack:"removed"`
}

type DeleteChange struct{}

type MoveChange struct {
	From int `json:"from" msgpack:"from"`
	To   int `json:"to" msgpack:"to"`
}

func (AddChange) Kind() models.ChangeKind          { return models.ChangeAdd }
func (EditChange) Kind() models.ChangeKind         { return models.ChangeEdit }
func (ContributionChange) Kind() models.ChangeKind { return models.ChangeContribution }
func (DeleteChange) Kind() models.ChangeKind       { return models.ChangeDelete }
func (MoveChange) Kind() models.ChangeKind         { return models.ChangeMove }

// needsSnapshot reports whether undoing c can only be done from a previous snapshot.
func needsSnapshot(c Change) bool {
	switch c := c.(type) {
	case EditChange, DeleteChange:
		return true
	case ContributionChange:
		return c.Removed || (c.Completed && !c.WasAlreadyComplete)
	}
	return false
}

func encodeChange(c Change) ([]byte, error) {
	return msgpack.Marshal(c)
}

func decodeChange(kind models.ChangeKind, data []byte) (Change, error) {
	switch kind {
	case models.ChangeAdd:
		return AddChange{}, nil
	case models.ChangeDelete:
		return DeleteChange{}, nil
	case models.ChangeEdit:
		var c EditChange
		err := unmarshalChange(data, &c)
		return c, err
	case models.ChangeContribution:
		var c ContributionChange
		err := unmarshalChange(data, &c)
		return c, err
	case models.ChangeMove:
		var c MoveChange
		err := unmarshalChange(data, &c)
		return c, err
	}
	return nil, fmt.Errorf("unknown action kind %q", kind)
}

func unmarshalChange(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode action payload: %w", err)
	}
	return nil
}

func encodeSnapshot(r *models.Request) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return msgpack.Marshal(r)
}

func decodeSnapshot(data []byte) (*models.Request, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r models.Request
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode previous snapshot: %w", err)
	}
	return &r, nil
}

// DecodeChange returns the typed payload of a stored action.
func DecodeChange(a *models.Action) (Change, error) {
	return decodeChange(a.Kind, a.Payload)
}
