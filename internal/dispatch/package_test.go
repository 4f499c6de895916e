package dispatch

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{"id": i}
	}
	return out
}

func TestPartitionUsersExample(t *testing.T) {
	t.Parallel()

	r1 := Record{"user_id": "u1", "name": "Ann"}
	r2 := Record{"user_id": "u2", "name": "Bo"}
	r3 := Record{"user_id": "u3", "name": "Cy"}
	bunches, err := Partition(Package{TableName: "users", Data: []Record{r1, r2, r3}}, PartitionOptions{MaxSize: 2})
	require.NoError(t, err)

	require.Equal(t, []Bunch{
		{TableName: "users", Data: []Record{r1, r2}},
		{TableName: "users", Data: []Record{r3}},
	}, bunches)

	encoded, err := json.Marshal(bunches[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"table_name":"users","data":[{"user_id":"u3","name":"Cy"}]}`, string(encoded))
}

func TestPartitionCoversDataInOrder(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 7, 10, 99, 100, 101} {
		for _, opts := range []PartitionOptions{{MaxSize: 1}, {MaxSize: 3}, {MaxSize: 10}, {NumSplits: 1}, {NumSplits: 4}, {NumSplits: 200}} {
			t.Run(fmt.Sprintf("n=%d/%+v", n, opts), func(t *testing.T) {
				data := rows(n)
				bunches, err := Partition(Package{TableName: "tips", Data: data}, opts)
				require.NoError(t, err)
				require.NotEmpty(t, bunches)

				size := bunches[0].Len()
				var joined []Record
				for i, b := range bunches {
					assert.Equal(t, "tips", b.TableName)
					if i < len(bunches)-1 {
						assert.Equal(t, size, b.Len())
					} else {
						assert.LessOrEqual(t, b.Len(), size)
						assert.Positive(t, b.Len())
					}
					if opts.MaxSize > 0 {
						assert.LessOrEqual(t, b.Len(), opts.MaxSize)
					}
					joined = append(joined, b.Data...)
				}
				assert.Equal(t, data, joined)
			})
		}
	}
}

func TestPartitionMaxSizeSplitCount(t *testing.T) {
	t.Parallel()

	bunches, err := Partition(Package{TableName: "reviews", Data: rows(10)}, PartitionOptions{MaxSize: 4})
	require.NoError(t, err)
	// ceil(10/4) = 3 splits of ceil(10/3) = 4 rows.
	require.Len(t, bunches, 3)
	assert.Equal(t, []int{4, 4, 2}, []int{bunches[0].Len(), bunches[1].Len(), bunches[2].Len()})
}

func TestPartitionBunchesDoNotAlias(t *testing.T) {
	t.Parallel()

	bunches, err := Partition(Package{TableName: "t", Data: rows(4)}, PartitionOptions{NumSplits: 2})
	require.NoError(t, err)
	bunches[0].Data = append(bunches[0].Data, Record{"id": "extra"})
	assert.Equal(t, 2, bunches[1].Data[0]["id"])
}

func TestPartitionEmptyData(t *testing.T) {
	t.Parallel()

	bunches, err := Partition(Package{TableName: "users"}, PartitionOptions{MaxSize: 5})
	require.NoError(t, err)
	assert.Empty(t, bunches)
}

func TestPartitionRejectsBadOptions(t *testing.T) {
	t.Parallel()

	pkg := Package{TableName: "users", Data: rows(3)}
	for _, opts := range []PartitionOptions{{}, {NumSplits: 2, MaxSize: 2}, {NumSplits: -1}, {MaxSize: -2}} {
		_, err := Partition(pkg, opts)
		assert.ErrorIs(t, err, ErrPartitionMismatch, "%+v", opts)
	}
	_, err := Partition(Package{Data: rows(3)}, PartitionOptions{MaxSize: 2})
	assert.ErrorIs(t, err, ErrPartitionMismatch)
}
