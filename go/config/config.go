// Package config declares the settings shared by the distiller workers.
// Every worker parses the full set, matching the deployment practice of
// configuring all three from one environment file.
package config

import (
	"os"
)

// Settings is the distiller configuration surface. It is embedded as a
// go-flags group within each worker's runconsumer config.
type Settings struct {
	APIURL     string `long:"api-url" env:"API_URL" default:"http://localhost:8000/api/v1" description:"Base URL of the record store REST API"`
	APIKeyName string `long:"api-key-name" env:"API_KEY_NAME" required:"true" description:"Name of the header carrying the record store API key"`
	APIKey     string `long:"api-key" env:"API_KEY" required:"true" description:"Record store API key"`
	KafkaURL   string `long:"kafka-url" env:"KAFKA_URL" description:"Message broker endpoint (bridged onto the Gazette broker address)"`

	TopicPrefix      string `long:"topic-prefix" env:"TOPIC_PREFIX" default:"ncem" description:"Journal name prefix of the distiller topics"`
	TopicPartitions  int    `long:"topic-partitions" env:"TOPIC_PARTITIONS" default:"1" description:"Partitions per topic"`
	NumberOfLogFiles int    `long:"number-of-log-files" env:"NUMBER_OF_LOG_FILES" default:"72" description:"Log files which make up a complete scan"`

	SfapiURL        string `long:"sfapi-url" env:"SFAPI_URL" default:"https://api.nersc.gov/api/v1.2" description:"Super-Facility API base URL"`
	SfapiTokenURL   string `long:"sfapi-token-url" env:"SFAPI_TOKEN_URL" default:"https://oidc.nersc.gov/c2id/token" description:"Super-Facility OAuth2 token endpoint"`
	SfapiClientID   string `long:"sfapi-client-id" env:"SFAPI_CLIENT_ID" required:"true" description:"Super-Facility OAuth2 client id"`
	SfapiPrivateKey string `long:"sfapi-private-key" env:"SFAPI_PRIVATE_KEY" required:"true" description:"PEM-encoded RSA key signing the client-credential assertion"`
	SfapiGrantType  string `long:"sfapi-grant-type" env:"SFAPI_GRANT_TYPE" required:"true" description:"OAuth2 grant type of the token request"`
	SfapiUser       string `long:"sfapi-user" env:"SFAPI_USER" required:"true" description:"Facility account owning submitted jobs"`

	AcquisitionUser         string `long:"acquisition-user" env:"ACQUISITION_USER" required:"true" description:"Account used to fetch raw data from acquisition hosts"`
	JobCountScriptPath      string `long:"job-count-script-path" env:"JOB_COUNT_SCRIPT_PATH" required:"true" description:"Path of the electron counting entrypoint on the compute machine"`
	JobNcemhubRawDataPath   string `long:"job-ncemhub-raw-data-path" env:"JOB_NCEMHUB_RAW_DATA_PATH" required:"true" description:"Destination root of transferred raw data"`
	JobNcemhubCountDataPath string `long:"job-ncemhub-count-data-path" env:"JOB_NCEMHUB_COUNT_DATA_PATH" required:"true" description:"Destination root of counted data"`
	JobScriptDirectory      string `long:"job-script-directory" env:"JOB_SCRIPT_DIRECTORY" required:"true" description:"Directory receiving rendered job scripts"`
	JobBbcpNumberOfStreams  int    `long:"job-bbcp-number-of-streams" env:"JOB_BBCP_NUMBER_OF_STREAMS" required:"true" description:"Parallel streams passed to bbcp"`
	JobQos                  string `long:"job-qos" env:"JOB_QOS" required:"true" description:"Default Slurm QOS of submitted jobs"`
	JobQosFilter            string `long:"job-qos-filter" env:"JOB_QOS_FILTER" required:"true" description:"QOS filter applied when reconciling remote jobs"`
	JobBbcpExecutablePath   string `long:"job-bbcp-executable-path" env:"JOB_BBCP_EXECUTABLE_PATH" required:"true" description:"Path of the bbcp executable on the compute machine"`
	JobMachineOverridesPath string `long:"job-machine-overrides-path" env:"JOB_MACHINE_OVERRIDES_PATH" description:"Optional directory of per-machine override files"`

	HaadfImageUploadDir                string `long:"haadf-image-upload-dir" env:"HAADF_IMAGE_UPLOAD_DIR" required:"true" description:"Directory holding uploaded HAADF previews"`
	HaadfImageUploadDirExpirationHours int    `long:"haadf-image-upload-dir-expiration-hours" env:"HAADF_IMAGE_UPLOAD_DIR_EXPIRATION_HOURS" required:"true" description:"Age in hours after which HAADF previews are removed"`
	HaadfNcemhubDm4DataPath            string `long:"haadf-ncemhub-dm4-data-path" env:"HAADF_NCEMHUB_DM4_DATA_PATH" required:"true" description:"Root of archived DM4 files"`

	CustodianUser       string   `long:"custodian-user" env:"CUSTODIAN_USER" required:"true" description:"Restricted account used to fetch from custodial hosts"`
	CustodianPrivateKey string   `long:"custodian-private-key" env:"CUSTODIAN_PRIVATE_KEY" required:"true" description:"PEM-encoded key of the custodian account"`
	CustodianValidHosts []string `long:"custodian-valid-host" env:"CUSTODIAN_VALID_HOSTS" env-delim:"," description:"Hosts the custodian account may fetch from"`
}

// IsCustodianHost returns whether transfers from |host| run as the custodian
// account rather than the acquisition account.
func (s *Settings) IsCustodianHost(host string) bool {
	for _, h := range s.CustodianValidHosts {
		if h == host {
			return true
		}
	}
	return false
}

// BridgeBrokerEnv maps the deployment's KAFKA_URL variable onto the broker
// address read by the Gazette runtime. An explicit BROKER_ADDRESS wins.
func BridgeBrokerEnv() {
	if v := os.Getenv("KAFKA_URL"); v != "" && os.Getenv("BROKER_ADDRESS") == "" {
		os.Setenv("BROKER_ADDRESS", v)
	}
}
