package main

import (
	"context"

	"KelmahIM/data/database/mgo/mongoutil"
	"KelmahIM/global/config"
	"KelmahIM/logger"
	"KelmahIM/module/chat/store"

	"go.uber.org/zap"
)

// openStore picks the conversation/message repository.
func (a *app) openStore(ctx context.Context) (store.Repository, error) {
	if a.cfg.Store.Engine != config.StoreMongo {
		logger.Warn("using the in-memory store; data is lost on restart and not shared between replicas")
		return store.NewMemory(), nil
	}
	cli, err := mongoutil.NewMongoDB(ctx, &a.cfg.Mongo)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := cli.Close(context.Background()); err != nil {
			logger.Warn("mongo disconnect", zap.Error(err))
		}
	})
	repo := store.NewMongo(cli.GetDB(), a.cfg.Store.Transactions)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}
