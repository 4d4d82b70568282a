// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"

	"github.com/Query-farm/cqrpc/cqrpc"
)

// GenerateRow is one message of the generate stream: value = i * 10.
type GenerateRow struct {
	I     int64 `cqrpc:"i"`
	Value int64 `cqrpc:"value"`
}

func generate(_ context.Context, _ *cqrpc.CallContext, p GenerateParams) ([]GenerateRow, error) {
	if p.Count < 0 {
		p.Count = 0
	}
	rows := make([]GenerateRow, p.Count)
	for i := range rows {
		rows[i] = GenerateRow{I: int64(i), Value: int64(i) * 10}
	}
	return rows, nil
}
