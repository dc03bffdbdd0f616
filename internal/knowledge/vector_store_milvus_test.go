package knowledge

import (
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilvusIndex(t *testing.T) {
	index, err := milvusIndex(DistanceCosine)
	require.NoError(t, err)
	assert.Equal(t, entity.IndexType("HNSW"), index.IndexType())
	assert.Equal(t, string(entity.COSINE), index.Params()["metric_type"])

	index, err = milvusIndex(DistanceDot)
	require.NoError(t, err)
	assert.Equal(t, string(entity.IP), index.Params()["metric_type"])
}

func TestMilvusMetric(t *testing.T) {
	assert.Equal(t, entity.COSINE, milvusMetric(DistanceCosine))
	assert.Equal(t, entity.IP, milvusMetric(DistanceDot))
	assert.Equal(t, entity.L2, milvusMetric(DistanceEuclid))
}
