// Package mongostore persists voice channel memberships in MongoDB. It is the
// alternative to the SQLite membership table for deployments that share the
// voice state with other services.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collection = "voice_channels"

// VoiceChannel is the stored document of one voice channel.
type VoiceChannel struct {
	ChannelID      string    `bson:"_id"`
	ConnectedUsers []string  `bson:"connectedUsers"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

// Store writes voice memberships to a MongoDB database.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, coll: client.Database(database).Collection(collection)}, nil
}

// ReplaceChannelMembers overwrites the channel's connectedUsers array,
// creating the document on first use.
func (s *Store) ReplaceChannelMembers(ctx context.Context, channelID string, members []string) error {
	if members == nil {
		members = []string{}
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": channelID},
		bson.M{"$set": bson.M{"connectedUsers": members, "updatedAt": time.Now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace voice members %q: %w", channelID, err)
	}
	return nil
}

// ChannelMembers returns the stored member list of a channel.
func (s *Store) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	var doc VoiceChannel
	err := s.coll.FindOne(ctx, bson.M{"_id": channelID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find voice channel %q: %w", channelID, err)
	}
	return doc.ConnectedUsers, nil
}

// ClearVoiceMembers empties every channel document.
func (s *Store) ClearVoiceMembers(ctx context.Context) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"connectedUsers.0": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{"connectedUsers": []string{}, "updatedAt": time.Now()}},
	)
	if err != nil {
		return 0, fmt.Errorf("clear voice members: %w", err)
	}
	return res.ModifiedCount, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
