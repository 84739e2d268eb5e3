package annsync

import (
	"context"
	"fmt"
	"time"

	"chronicle/annotator/internal/annotation"
	"github.com/redis/go-redis/v9"
)

// RedisTagger shares one tag counter between every frame and process
// pointed at the same Redis, so an annotation gets the same tag everywhere.
type RedisTagger struct {
	client *redis.Client
	prefix string
}

// NewRedisTagger connects to redisURL and checks it is reachable.
func NewRedisTagger(redisURL string) (*RedisTagger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTaggerWithClient(client), nil
}

func NewRedisTaggerWithClient(client *redis.Client) *RedisTagger {
	return &RedisTagger{
		client: client,
		prefix: "annotator:",
	}
}

func (s *RedisTagger) counterKey() string { return s.prefix + "tag-counter" }
func (s *RedisTagger) tagsKey() string    { return s.prefix + "tags" }

func (s *RedisTagger) nextTag(ctx context.Context) (string, error) {
	n, err := s.client.Incr(ctx, s.counterKey()).Result()
	if err != nil {
		return "", fmt.Errorf("increment tag counter: %w", err)
	}
	return formatTag(n), nil
}

// Tag returns the tag stored for the annotation's ID, claiming a new one
// when there is none. Annotations without an ID always get a fresh tag.
func (s *RedisTagger) Tag(ctx context.Context, ann *annotation.Annotation) (string, error) {
	if ann.ID == "" {
		return s.nextTag(ctx)
	}
	tag, err := s.client.HGet(ctx, s.tagsKey(), ann.ID).Result()
	if err == nil {
		return tag, nil
	}
	if err != redis.Nil {
		return "", fmt.Errorf("lookup tag: %w", err)
	}

	tag, err = s.nextTag(ctx)
	if err != nil {
		return "", err
	}
	set, err := s.client.HSetNX(ctx, s.tagsKey(), ann.ID, tag).Result()
	if err != nil {
		return "", fmt.Errorf("save tag: %w", err)
	}
	if set {
		return tag, nil
	}
	// Another process claimed a tag for this ID first.
	tag, err = s.client.HGet(ctx, s.tagsKey(), ann.ID).Result()
	if err != nil {
		return "", fmt.Errorf("lookup tag: %w", err)
	}
	return tag, nil
}

// Release forgets the tag of a deleted annotation.
func (s *RedisTagger) Release(ctx context.Context, ann *annotation.Annotation) error {
	if ann.ID == "" {
		return nil
	}
	if err := s.client.HDel(ctx, s.tagsKey(), ann.ID).Err(); err != nil {
		return fmt.Errorf("release tag: %w", err)
	}
	return nil
}

func (s *RedisTagger) Close() error {
	return s.client.Close()
}

func (s *RedisTagger) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
