package example

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/node"
)

// LocalCluster runs n nodes in one process over an in memory hub. The shared counters
// live in redis next to the volumes, or in MySQL when the node config names a CounterDSN.
type LocalCluster struct {
	Hub     *cluster.Hub
	Nodes   []*node.Node
	Volumes []*Volume
}

// StartLocalCluster starts n replicas of the volume volumeID, journaling under dir.
func StartLocalCluster(ctx context.Context, client *redis_lock.Client, volumeID uuid.UUID, n int, dir string, cfg node.Config) (*LocalCluster, error) {
	lc := LocalCluster{Hub: cluster.NewHub()}
	counters := cluster.NewRedisCounters(client, fmt.Sprintf("go2pc:%s:", volumeID))

	for k := 0; k < n; k++ {
		id := uuid.New()
		ep := lc.Hub.Join(cluster.Node{ID: id, Address: fmt.Sprintf("local-%d", k)})
		c := cfg
		c.JournalDir = filepath.Join(dir, id.String())
		nd, err := node.New(c, ep, counters)
		if err != nil {
			return nil, multierr.Append(err, lc.Close())
		}
		if err = lc.Hub.Attach(id, nd.Participant()); err != nil {
			return nil, multierr.Append(err, lc.Close())
		}
		vol := NewVolume(volumeID, id.String(), client)
		if err = nd.Register(ctx, vol); err != nil {
			return nil, multierr.Append(err, lc.Close())
		}
		lc.Nodes = append(lc.Nodes, nd)
		lc.Volumes = append(lc.Volumes, vol)
	}

	for _, nd := range lc.Nodes {
		if err := nd.Start(ctx); err != nil {
			return nil, multierr.Append(err, lc.Close())
		}
	}
	return &lc, nil
}

func (lc *LocalCluster) Close() error {
	var err error
	for _, nd := range lc.Nodes {
		err = multierr.Append(err, nd.Close())
	}
	return err
}
