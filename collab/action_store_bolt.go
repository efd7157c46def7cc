package collab

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var actionsBucketName = []byte("actions")
var headsBucketName = []byte("heads")

// durable action store on a bolt database.
// layout:
//
//	actions/<projectId+roleId>/<actionId be64> -> json(Action)
//	heads/<projectId+roleId> -> be64
//
// big-endian keys keep bucket iteration order equal to action id order.
type boltActionStore struct {
	db *bbolt.DB
}

func NewBoltActionStore(path string) (ActionStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(actionsBucketName); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(headsBucketName); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltActionStore{
		db: db,
	}, nil
}

func addressKey(projectId Id, roleId Id) []byte {
	key := make([]byte, 0, 32)
	key = append(key, projectId.Bytes()...)
	key = append(key, roleId.Bytes()...)
	return key
}

func actionIdKey(actionId uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, actionId)
	return key
}

func (self *boltActionStore) Store(action *Action) error {
	storedAction := *action
	if storedAction.Time.IsZero() {
		storedAction.Time = time.Now()
	}
	storedAction.Cleared = false

	return self.db.Update(func(tx *bbolt.Tx) error {
		roleBucket, err := tx.Bucket(actionsBucketName).CreateBucketIfNotExists(
			addressKey(action.ProjectId, action.RoleId),
		)
		if err != nil {
			return err
		}

		key := actionIdKey(action.ActionId)
		if existingBytes := roleBucket.Get(key); existingBytes != nil {
			existing := &Action{}
			if err := json.Unmarshal(existingBytes, existing); err != nil {
				return err
			}
			// a cleared action may be superseded by a new action with the same id
			if !existing.Cleared {
				return ErrDuplicateActionId
			}
		}

		actionBytes, err := json.Marshal(&storedAction)
		if err != nil {
			return err
		}
		return roleBucket.Put(key, actionBytes)
	})
}

func (self *boltActionStore) GetActionsAfter(projectId Id, roleId Id, actionId uint64) ([]*Action, error) {
	actions := []*Action{}
	var head uint64

	err := self.db.View(func(tx *bbolt.Tx) error {
		if headBytes := tx.Bucket(headsBucketName).Get(addressKey(projectId, roleId)); headBytes != nil {
			head = binary.BigEndian.Uint64(headBytes)
		}

		roleBucket := tx.Bucket(actionsBucketName).Bucket(addressKey(projectId, roleId))
		if roleBucket == nil {
			return nil
		}

		cursor := roleBucket.Cursor()
		for key, actionBytes := cursor.Seek(actionIdKey(actionId + 1)); key != nil; key, actionBytes = cursor.Next() {
			action := &Action{}
			if err := json.Unmarshal(actionBytes, action); err != nil {
				return err
			}
			if action.Cleared {
				continue
			}
			actions = append(actions, action)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(actions) == 0 {
		if actionId < head {
			return nil, ErrMissingHistory
		}
		return actions, nil
	}
	if actionId+1 < actions[0].ActionId {
		return nil, ErrMissingHistory
	}
	return actions, nil
}

func (self *boltActionStore) ClearActionsAfter(projectId Id, roleId Id, actionId uint64, asOf time.Time) (int, error) {
	clearedCount := 0
	err := self.db.Update(func(tx *bbolt.Tx) error {
		roleBucket := tx.Bucket(actionsBucketName).Bucket(addressKey(projectId, roleId))
		if roleBucket == nil {
			return nil
		}

		cursor := roleBucket.Cursor()
		for key, actionBytes := cursor.Seek(actionIdKey(actionId + 1)); key != nil; key, actionBytes = cursor.Next() {
			action := &Action{}
			if err := json.Unmarshal(actionBytes, action); err != nil {
				return err
			}
			if action.Cleared || action.Time.After(asOf) {
				continue
			}
			action.Cleared = true
			clearedBytes, err := json.Marshal(action)
			if err != nil {
				return err
			}
			if err := roleBucket.Put(key, clearedBytes); err != nil {
				return err
			}
			clearedCount += 1
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return clearedCount, nil
}

func (self *boltActionStore) SetLatestActionId(projectId Id, roleId Id, actionId uint64) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(headsBucketName).Put(addressKey(projectId, roleId), actionIdKey(actionId))
	})
}

func (self *boltActionStore) GetLatestActionId(projectId Id, roleId Id) (uint64, error) {
	var head uint64
	err := self.db.View(func(tx *bbolt.Tx) error {
		if headBytes := tx.Bucket(headsBucketName).Get(addressKey(projectId, roleId)); headBytes != nil {
			head = binary.BigEndian.Uint64(headBytes)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return head, nil
}

func (self *boltActionStore) Compact(before time.Time) (int, error) {
	droppedCount := 0
	err := self.db.Update(func(tx *bbolt.Tx) error {
		actionsBucket := tx.Bucket(actionsBucketName)
		roleCursor := actionsBucket.Cursor()
		for roleKey, value := roleCursor.First(); roleKey != nil; roleKey, value = roleCursor.Next() {
			if value != nil {
				// not a bucket
				continue
			}
			roleBucket := actionsBucket.Bucket(roleKey)
			cursor := roleBucket.Cursor()
			drop := [][]byte{}
			for key, actionBytes := cursor.First(); key != nil; key, actionBytes = cursor.Next() {
				action := &Action{}
				if err := json.Unmarshal(actionBytes, action); err != nil {
					return err
				}
				if action.Time.Before(before) {
					drop = append(drop, append([]byte{}, key...))
				}
			}
			for _, key := range drop {
				if err := roleBucket.Delete(key); err != nil {
					return err
				}
				droppedCount += 1
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return droppedCount, nil
}

func (self *boltActionStore) Close() error {
	return self.db.Close()
}
