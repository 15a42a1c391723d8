// Package dummydb is an in-memory database used in development and tests.
package dummydb

import (
	"sync"

	"github.com/trezcool/shule/core/user"
)

type (
	DB struct {
		user *userTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}
)

func Open() *DB {
	return &DB{
		user: &userTable{table: make(map[string]*user.User)},
	}
}
