package devsync

// DeviceSkillsKey is the resource key of a device's skill settings.
// Settings updates and skill install/removal for the device must invalidate it.
func DeviceSkillsKey(deviceID string) string {
	return "device:" + deviceID + ":skills"
}
