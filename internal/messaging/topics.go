package messaging

// Default topic names. Deployments override them through configuration.
const (
	// TopicBlocks carries BlockEvent records: node watcher → job manager.
	TopicBlocks = "BTC_blocks"
	// TopicTasks carries TaskMessage records: job manager → Stratum servers.
	TopicTasks = "mining_tasks"
)

// EventNewBlock is the BlockEvent type emitted by the block watcher.
const EventNewBlock = "new_block"
