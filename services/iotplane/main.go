package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"go.uber.org/multierr"

	"github.com/relabs-tech/iotplane/core/csql"
	"github.com/relabs-tech/iotplane/core/kss"
	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/core/registry"
	"github.com/relabs-tech/iotplane/iot"
	"github.com/relabs-tech/iotplane/iot/api"
	"github.com/relabs-tech/iotplane/iot/authorization"
	"github.com/relabs-tech/iotplane/iot/credentials"
	"github.com/relabs-tech/iotplane/iot/distribution"
	"github.com/relabs-tech/iotplane/iot/events"
	"github.com/relabs-tech/iotplane/iot/mqtt"
	"github.com/relabs-tech/iotplane/iot/rotation"
	"github.com/relabs-tech/iotplane/iot/rpc"
	"github.com/relabs-tech/iotplane/iot/twin"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
// to keep the certificate ledger and the twins in Postgres instead of CA_DIR
type Service struct {
	MQTTAddress          string        `env:"MQTT_ADDRESS,default=:8883" description:"listen address of the MQTT broker"`
	HTTPAddress          string        `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the distribution routes"`
	AdminAddress         string        `env:"ADMIN_ADDRESS,default=127.0.0.1:3001" description:"listen address of the unauthenticated twin API. Empty disables it"`
	CADir                string        `env:"CA_DIR,default=./ca" description:"directory of the CA key material and the file ledger"`
	CACommonName         string        `env:"CA_COMMON_NAME,default=iotplane CA" description:"common name of a newly created CA"`
	ServerHosts          string        `env:"MQTT_SERVER_HOSTS,default=localhost" description:"comma separated host names of the broker certificate"`
	Postgres             string        `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresSchema       string        `env:"POSTGRES_SCHEMA,default=iot" description:"the Postgres schema"`
	TopicPolicyFile      string        `env:"TOPIC_POLICY_FILE" description:"YAML file with reserved prefixes and shared namespaces"`
	KafkaBrokers         string        `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers for device events"`
	KafkaTopic           string        `env:"KAFKA_TOPIC,default=iotplane-events" description:"the Kafka topic for device events"`
	EventQueueSize       int           `env:"EVENT_QUEUE_SIZE,default=1024" description:"events buffered in front of the event sinks"`
	SQSQueueURL          string        `env:"SQS_QUEUE_URL" description:"SQS queue for device events"`
	AWSRegion            string        `env:"AWS_REGION,default=eu-central-1" description:"the AWS region"`
	AWSAccessID          string        `env:"AWS_ACCESS_ID" description:"AWS access key ID. Empty selects the default credential chain"`
	AWSAccessKey         string        `env:"AWS_ACCESS_KEY" description:"AWS secret access key"`
	CRLBucket            string        `env:"CRL_BUCKET" description:"S3 bucket receiving the CRL and the CA certificate"`
	CRLKeyPrefix         string        `env:"CRL_KEY_PREFIX" description:"key prefix inside CRL_BUCKET"`
	CRLDir               string        `env:"CRL_DIR" description:"directory receiving the CRL and the CA certificate"`
	RPCTimeout           time.Duration `env:"RPC_TIMEOUT,default=10s" description:"default timeout of calls to devices"`
	RotationDebounce     time.Duration `env:"ROTATION_DEBOUNCE,default=60ms" description:"quiet period before the listener is rotated"`
	RotationGrace        time.Duration `env:"ROTATION_GRACE,default=5s" description:"time the old listener keeps its connections"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s" description:"time a new connection has to complete its TLS handshake"`
	CertValidityDays     int           `env:"CERT_VALIDITY_DAYS,default=365" description:"validity of issued device certificates"`
	CRLValidity          time.Duration `env:"CRL_VALIDITY,default=24h" description:"time until the next update of a CRL"`
	RequireClientIDMatch bool          `env:"REQUIRE_CLIENT_ID_MATCH,default=true" description:"refuse sessions whose client ID is not the certificate CN"`
	LogLevel             string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		panic(err)
	}
	level := logger.ParseLevel(service.LogLevel)
	logger.InitLogger(level)
	rlog := logger.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	material, err := credentials.Bootstrap(service.CADir, credentials.BootstrapOptions{
		CommonName:  service.CACommonName,
		ServerHosts: splitList(service.ServerHosts),
	})
	if err != nil {
		rlog.WithError(err).Fatalln("cannot bootstrap CA")
	}
	signer, err := material.Signer()
	if err != nil {
		rlog.WithError(err).Fatalln("cannot load CA")
	}
	serverCert, err := material.ServerCertificate()
	if err != nil {
		rlog.WithError(err).Fatalln("cannot load server certificate")
	}

	var db *csql.DB
	var ledger credentials.Ledger
	if service.Postgres != "" {
		db = csql.MustOpen(ctx, service.Postgres, service.PostgresSchema)
		defer db.Close()
		reg, err := registry.New(ctx, db)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot create registry")
		}
		if ledger, err = credentials.NewSQLLedger(ctx, db, reg); err != nil {
			rlog.WithError(err).Fatalln("cannot create ledger")
		}
	} else {
		if ledger, err = credentials.OpenFileLedger(filepath.Join(service.CADir, "ledger")); err != nil {
			rlog.WithError(err).Fatalln("cannot open ledger")
		}
	}

	var awsConfig *aws.Config
	loadAWS := func() aws.Config {
		if awsConfig == nil {
			cfg, err := kss.LoadAWSConfig(ctx, service.AWSRegion, service.AWSAccessID, service.AWSAccessKey)
			if err != nil {
				rlog.WithError(err).Fatalln("cannot load AWS configuration")
			}
			awsConfig = &cfg
		}
		return *awsConfig
	}

	sinks := events.Multi{events.LogSink{}}
	if brokers := splitList(service.KafkaBrokers); len(brokers) > 0 {
		sinks = append(sinks, events.NewKafkaSink(brokers, service.KafkaTopic))
	}
	if service.SQSQueueURL != "" {
		sinks = append(sinks, events.NewSQSSink(loadAWS(), service.SQSQueueURL))
	}
	// one queue for all producers, events of a device keep their order
	eventQueue := events.NewQueue(sinks, service.EventQueueSize)

	authority, err := credentials.New(ctx, signer, ledger,
		credentials.WithValidity(time.Duration(service.CertValidityDays)*24*time.Hour),
		credentials.WithCRLValidity(service.CRLValidity),
		credentials.WithObserver(events.CertificateObserver{Sink: eventQueue}),
		credentials.WithServerCredentials(material.ServerCertPEM, material.ServerKeyPEM),
	)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create authority")
	}

	policy := authorization.DefaultPolicy()
	if service.TopicPolicyFile != "" {
		if policy, err = authorization.LoadPolicy(service.TopicPolicyFile); err != nil {
			rlog.WithError(err).Fatalln("cannot load topic policy")
		}
	}
	gate := authorization.New(policy, authority)

	// the rpc service and the twin publish through the broker, which is
	// created last
	var broker *mqtt.Broker
	publisher := iot.MessagePublisherFunc(func(topic string, payload []byte) {
		broker.PublishMessageQ1(topic, payload)
	})

	methods := rpc.NewRegistry()
	registerMethods(methods)
	rpcService := rpc.NewService(publisher, methods, rpc.WithDefaultTimeout(service.RPCTimeout))

	var store twin.Store
	if db != nil {
		if store, err = twin.NewSQLStore(ctx, db); err != nil {
			rlog.WithError(err).Fatalln("cannot create twin store")
		}
	}
	deviceTwin := twin.New(&twin.Builder{
		Publisher: publisher,
		Store:     store,
		Caller:    rpcService,
	})
	rpcService.OnSupported(deviceTwin.HandleSupported)

	listener, err := rotation.Listen(service.MQTTAddress, gate.TLSConfig(serverCert, authority.CAPool()),
		rotation.WithHandshakeTimeout(service.HandshakeTimeout))
	if err != nil {
		rlog.WithError(err).Fatalln("cannot listen")
	}
	coordinator := rotation.NewCoordinator(listener,
		func(*credentials.CRL) (*tls.Config, error) {
			return gate.TLSConfig(serverCert, authority.CAPool()), nil
		},
		func(state tls.ConnectionState) bool { return !gate.Revoked(state) },
		service.RotationDebounce, service.RotationGrace)
	authority.Subscribe(coordinator.Notify)

	if service.CRLBucket != "" || service.CRLDir != "" {
		kssConfig := kss.Configuration{DriverType: kss.DriverTypeLocal, LocalConfiguration: &kss.LocalConfiguration{BasePath: service.CRLDir}}
		if service.CRLBucket != "" {
			cfg := loadAWS()
			kssConfig = kss.Configuration{DriverType: kss.DriverTypeAWSS3, S3Configuration: &kss.S3Configuration{
				AWSRegion:     cfg.Region,
				AWSBucketName: service.CRLBucket,
				AccessID:      service.AWSAccessID,
				AccessKey:     service.AWSAccessKey,
				KeyPrefix:     service.CRLKeyPrefix,
			}}
		}
		driver, err := kss.New(ctx, kssConfig)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot create CRL storage")
		}
		crlPublisher := distribution.NewPublisher(driver, authority)
		if err := crlPublisher.Publish(ctx, authority.CurrentCRL()); err != nil {
			rlog.WithError(err).Errorln("cannot publish CRL")
		}
		authority.Subscribe(crlPublisher.Notify)
	}

	zapLogger, err := logger.Zap(level)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create broker logger")
	}
	broker = mqtt.NewBroker(&mqtt.Builder{
		Listener:             listener,
		Gate:                 gate,
		RPC:                  rpcService,
		Twin:                 deviceTwin,
		Events:               eventQueue,
		ZapLogger:            zapLogger,
		RequireClientIDMatch: service.RequireClientIDMatch,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	distribution.HandleRoutes(router, authority)
	servers := []*http.Server{{Addr: service.HTTPAddress, Handler: router}}
	if service.AdminAddress != "" {
		adminRouter := mux.NewRouter()
		logger.AddRequestID(adminRouter)
		api.NewService(deviceTwin).HandleRoutes(adminRouter)
		servers = append(servers, &http.Server{Addr: service.AdminAddress, Handler: adminRouter})
	}

	var wg sync.WaitGroup
	wg.Add(2 + len(servers))
	go func() {
		defer wg.Done()
		refreshCRL(ctx, authority, service.CRLValidity/2)
	}()
	for _, server := range servers {
		go func(server *http.Server) {
			defer wg.Done()
			rlog.Infoln("listen on", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rlog.WithError(err).Errorf("http server on %s failed", server.Addr)
				cancel()
			}
		}(server)
	}

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	brokerDone := make(chan error, 1)
	go func() {
		defer wg.Done()
		brokerDone <- broker.Run(brokerCtx)
	}()

	<-ctx.Done()
	rlog.Infoln("shutting down")

	rpcService.Shutdown()
	coordinator.Close()
	stopBroker()
	err = <-brokerDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, server := range servers {
		err = multierr.Append(err, server.Shutdown(shutdownCtx))
	}
	// drains the queue before the sinks are closed
	err = multierr.Append(err, eventQueue.Close())
	wg.Wait()
	zapLogger.Sync()
	if err != nil {
		rlog.WithError(err).Errorln("shutdown")
		os.Exit(1)
	}
}

// refreshCRL signs a new CRL every interval, so relying parties never see an
// expired list. SIGHUP refreshes at once, which picks up revocations written
// to the ledger by caadm.
func refreshCRL(ctx context.Context, authority *credentials.Authority, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-hup:
		}
		if err := authority.RefreshCRL(ctx); err != nil {
			logger.Default().WithError(err).Errorln("cannot refresh CRL")
		}
	}
}
