package mcutest

import "fmt"

func handleIdentify(fw *Firmware, p map[string]any) error {
	offset := int(p["offset"].(uint32))
	count := int(p["count"].(uint32))
	data := []byte{}
	if offset < len(fw.dictData) {
		end := offset + count
		if end > len(fw.dictData) {
			end = len(fw.dictData)
		}
		data = fw.dictData[offset:end]
	}
	return fw.Respond("identify_response", uint32(offset), data)
}

func handleConfigDigitalOut(fw *Firmware, p map[string]any) error {
	oid := uint8(p["oid"].(uint32))
	fw.outputs[oid] = &DigitalOut{
		Pin:   p["pin"].(uint32),
		Value: uint8(p["value"].(uint32)),
	}
	return nil
}

func handleUpdateDigitalOut(fw *Firmware, p map[string]any) error {
	oid := uint8(p["oid"].(uint32))
	out, ok := fw.outputs[oid]
	if !ok {
		return fmt.Errorf("update_digital_out: oid %d not configured", oid)
	}
	out.Value = uint8(p["value"].(uint32))
	fw.edges = append(fw.edges, Edge{OID: oid, Value: out.Value})
	return nil
}

func handleQueryDigitalIn(fw *Firmware, p map[string]any) error {
	oid := uint8(p["oid"].(uint32))
	out, ok := fw.outputs[oid]
	if !ok {
		return fmt.Errorf("query_digital_in: oid %d not configured", oid)
	}
	value := out.Value
	if fw.DigitalIn != nil {
		value = fw.DigitalIn(oid, *out)
	}
	return fw.Respond("digital_in_state", oid, value)
}

func handleConfigI2C(fw *Firmware, p map[string]any) error {
	fw.i2c[uint8(p["oid"].(uint32))] = &I2CDevice{}
	return nil
}

func handleI2CSetBus(fw *Firmware, p map[string]any) error {
	dev, ok := fw.i2c[uint8(p["oid"].(uint32))]
	if !ok {
		return nil
	}
	dev.Bus = p["i2c_bus"].(uint32)
	dev.Rate = p["rate"].(uint32)
	dev.Address = p["address"].(uint32) & 0x7F
	dev.Ready = true
	return nil
}

func handleI2CWrite(fw *Firmware, p map[string]any) error {
	dev, ok := fw.i2c[uint8(p["oid"].(uint32))]
	if !ok || !dev.Ready {
		return nil
	}
	if target, ok := fw.targets[dev.Address]; ok {
		if err := target.Write(p["data"].([]byte)); err != nil {
			fw.shutdown = true
			return err
		}
	}
	return nil
}

func handleI2CRead(fw *Firmware, p map[string]any) error {
	oid := uint8(p["oid"].(uint32))
	dev, ok := fw.i2c[oid]
	if !ok || !dev.Ready {
		return nil
	}
	var response []byte
	if target, ok := fw.targets[dev.Address]; ok {
		data, err := target.Read(p["reg"].([]byte), int(p["read_len"].(uint32)))
		if err != nil {
			fw.shutdown = true
			return err
		}
		response = data
	}
	return fw.Respond("i2c_read_response", oid, response)
}
