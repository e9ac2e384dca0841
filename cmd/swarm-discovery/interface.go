package main

import "context"

type service interface {
	Run(ctx context.Context) error
	Close() error
}
