package reenactService

import (
	"FacePoke/internal/api/reenact"
	reenactRepository "FacePoke/internal/api/reenact/repository"
	"FacePoke/internal/entity"
	"FacePoke/pkg/compositor"
	"FacePoke/pkg/imaging"
	"FacePoke/pkg/metrics"
	"FacePoke/pkg/redis"
	"FacePoke/pkg/s3"
	"FacePoke/pkg/utils"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Latency     entity.LatencyBounds
	Composite   bool
	Compositor  compositor.Options
	CacheTTL    time.Duration
	MaxSize     int
	JPEGQuality int
}

func DefaultConfig() Config {
	return Config{
		Latency:     entity.DefaultLatencyBounds(),
		Compositor:  compositor.DefaultOptions(),
		CacheTTL:    30 * time.Minute,
		MaxSize:     imaging.MaxSize,
		JPEGQuality: imaging.JPEGQuality,
	}
}

type ReenactService interface {
	Session() SessionDomain
	Export() ExportDomain
}

type SessionDomain interface {
	Open(c context.Context) (*Session, error)
	Get(id string) (*Session, error)
	Close(id string)
	Snapshot(c context.Context, id string) (reenact.SessionView, error)
	SelectImage(c context.Context, id string, fileName string, data []byte) (reenact.SessionView, error)
	Preview(c context.Context, id string) (entity.Image, error)
	Caption(c context.Context, id string, text string) (reenact.SessionView, error)
}

type ExportDomain interface {
	Create(c context.Context, sessionID string) (reenact.ExportResponse, error)
	List(c context.Context, sessionID string) (reenact.ExportListResponse, error)
}

type reenactService struct {
	log        *logrus.Logger
	cfg        Config
	dial       DialFunc
	cache      redis.IRedis
	storage    s3.ItfS3
	repository reenactRepository.Repository
	metrics    *metrics.Metrics
	utils      utils.IUtils

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New wires the reenact service. cache, storage and repository may be nil;
// the features that need them then report an error.
func New(
	cfg Config,
	dial DialFunc,
	cache redis.IRedis,
	storage s3.ItfS3,
	repository reenactRepository.Repository,
	m *metrics.Metrics,
	utils utils.IUtils,
	log *logrus.Logger,
) ReenactService {
	return &reenactService{
		log:        log,
		cfg:        cfg,
		dial:       dial,
		cache:      cache,
		storage:    storage,
		repository: repository,
		metrics:    m,
		utils:      utils,
		sessions:   make(map[string]*Session),
	}
}

func (s *reenactService) Session() SessionDomain {
	return s
}

func (s *reenactService) Export() ExportDomain {
	return &exportDomain{s}
}
