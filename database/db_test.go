/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDataSource_Memory(t *testing.T) {
	ds, err := NewDataSource("memory://")
	assert.NoError(t, err)
	_, ok := ds.(*MemoryDatasource)
	assert.True(t, ok)
}

func TestGetDBConnection_Failure(t *testing.T) {
	instance, instanceErr = nil, nil
	once = sync.Once{}
	defer func() {
		instance, instanceErr = nil, nil
		once = sync.Once{}
	}()

	ds, err := GetDBConnection("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, ds)

	// The failed first attempt keeps being reported to later callers.
	ds, err = GetDBConnection("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, ds)

	_, err = NewDataSource("postgres://localhost:1/none")
	assert.Error(t, err)
}

func TestConnectDB_InvalidDNS(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}
